package httpapi

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"dispatchd/internal/alert"
	"dispatchd/internal/dispatcher"
	"dispatchd/internal/proxy"
	"dispatchd/internal/routing"
	"dispatchd/internal/store"
	"dispatchd/pkg/types"
)

type backendFixture struct {
	backend *Backend
	router  *routing.MemoryRouter
	ledger  *routing.MemoryLedger
	store   *store.Store
}

func newBackend(t *testing.T) *backendFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	f := &backendFixture{router: routing.NewMemoryRouter(), ledger: routing.NewMemoryLedger(), store: st}
	d, err := dispatcher.NewWithConfig(dispatcher.Config{
		MaxActive: 1,
		Store:     st,
		Proxies:   proxy.NewManager(proxy.Config{PortStart: 19000, PortEnd: 19009}, proxy.NewMemoryRuntime(), st, nil),
		Router:    f.router,
		Ledger:    f.ledger,
		Notifier:  alert.NewMemory(),
	})
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	f.backend = &Backend{Dispatcher: d}
	return f
}

func TestBackendLifecycleOverHTTP(t *testing.T) {
	f := newBackend(t)
	h := NewMux(f.backend)

	create := `{"group":"flash","daily_request_limit":2,"definitions":[{"upstream_model":"gemini/flash","credential":"AIzaSyLongSecretValue"}]}`
	w := serve(t, h, http.MethodPost, "/models", create)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status=%d body=%s", w.Code, w.Body.String())
	}
	m := decodeBody[types.Model](t, w)
	if m.Status != "queued" || m.Definitions[0].Credential != "AIza...alue" {
		t.Fatalf("created=%+v", m)
	}
	w = serve(t, h, http.MethodPost, "/models", `{"group":"second","daily_request_limit":5,"definitions":[{"upstream_model":"gemini/pro","credential":"k2"}]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create second: status=%d", w.Code)
	}

	w = serve(t, h, http.MethodPost, "/dispatch/run", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cycle: status=%d body=%s", w.Code, w.Body.String())
	}
	cyc := decodeBody[types.CycleResponse](t, w)
	if len(cyc.Promoted) != 1 || cyc.Promoted[0] != m.ID || cyc.Counts["active"] != 1 || cyc.Counts["queued"] != 1 {
		t.Fatalf("cycle=%+v", cyc)
	}
	if len(f.router.Routes()) != 1 {
		t.Fatalf("routes=%v", f.router.Routes())
	}

	// The first model burns its quota; the next cycle swaps it for the second.
	f.ledger.Set(f.router.Routes()[0], 2)
	w = serve(t, h, http.MethodPost, "/dispatch/run", "")
	cyc = decodeBody[types.CycleResponse](t, w)
	if len(cyc.Exhausted) != 1 || len(cyc.Promoted) != 1 || cyc.Counts["exhausted"] != 1 {
		t.Fatalf("second cycle=%+v", cyc)
	}

	w = serve(t, h, http.MethodGet, "/models?status=exhausted", "")
	list := decodeBody[types.ModelsResponse](t, w)
	if len(list.Models) != 1 || list.Models[0].ID != m.ID || list.Models[0].RequestsToday != 2 {
		t.Fatalf("exhausted=%+v", list.Models)
	}

	w = serve(t, h, http.MethodGet, "/status", "")
	st := decodeBody[types.StatusResponse](t, w)
	if st.MaxActive != 1 || st.LastCycle == nil || st.Counts["active"] != 1 {
		t.Fatalf("status=%+v", st)
	}

	if w := serve(t, h, http.MethodDelete, "/models/"+strconv.FormatInt(m.ID, 10), ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete: status=%d", w.Code)
	}
	if w := serve(t, h, http.MethodGet, "/models/"+strconv.FormatInt(m.ID, 10), ""); w.Code != http.StatusNotFound {
		t.Fatalf("get deleted: status=%d", w.Code)
	}
}

func TestBackendActivateConflict(t *testing.T) {
	f := newBackend(t)
	h := NewMux(f.backend)
	w := serve(t, h, http.MethodPost, "/models", `{"group":"a","daily_request_limit":5,"definitions":[{"upstream_model":"gemini/a","credential":"k"}]}`)
	m := decodeBody[types.Model](t, w)
	path := "/models/" + strconv.FormatInt(m.ID, 10) + "/activate"
	if w := serve(t, h, http.MethodPost, path, ""); w.Code != http.StatusOK {
		t.Fatalf("activate: status=%d body=%s", w.Code, w.Body.String())
	}
	w = serve(t, h, http.MethodPost, path, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("second activate: status=%d", w.Code)
	}
}

func TestBackendLedgerDown(t *testing.T) {
	f := newBackend(t)
	h := NewMux(f.backend)
	serve(t, h, http.MethodPost, "/models", `{"group":"a","daily_request_limit":5,"definitions":[{"upstream_model":"gemini/a","credential":"k"}]}`)
	serve(t, h, http.MethodPost, "/dispatch/run", "")
	f.ledger.SetError(errors.New("connection refused"))
	w := serve(t, h, http.MethodPost, "/dispatch/run", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if body := decodeBody[types.ErrorResponse](t, w); body.Kind != KindLedger {
		t.Fatalf("kind=%q", body.Kind)
	}
}

func TestBackendTriggerWithScheduler(t *testing.T) {
	f := newBackend(t)
	f.backend.Scheduler = dispatcher.NewScheduler(f.backend.Dispatcher, time.Hour, nil)
	if !f.backend.TriggerCycle() {
		t.Fatal("first trigger should queue")
	}
	if f.backend.TriggerCycle() {
		t.Fatal("second trigger should coalesce")
	}
}

func TestBackendReadyChecks(t *testing.T) {
	f := newBackend(t)
	if !f.backend.Ready(context.Background()) {
		t.Fatal("no checks should be ready")
	}
	f.backend.Checks = []ReadyCheck{
		func(context.Context) error { return nil },
		func(context.Context) error { return errors.New("ledger down") },
	}
	if f.backend.Ready(context.Background()) {
		t.Fatal("failing check should not be ready")
	}
}

func TestBackendWithoutProber(t *testing.T) {
	f := newBackend(t)
	w := serve(t, NewMux(f.backend), http.MethodPost, "/models/test", `{"api_key":"sk"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
}
