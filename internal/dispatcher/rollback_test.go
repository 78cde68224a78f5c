package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/routing"
	"dispatchd/internal/store"
)

// ctxRouter honours cancellation like the HTTP client does, and cancels the
// caller's context after a given number of registrations.
type ctxRouter struct {
	*routing.MemoryRouter
	mu          sync.Mutex
	cancel      context.CancelFunc
	cancelAfter int
	registered  int
}

func newCtxRouter() *ctxRouter { return &ctxRouter{MemoryRouter: routing.NewMemoryRouter()} }

func (r *ctxRouter) armCancel(cancel context.CancelFunc, after int) {
	r.mu.Lock()
	r.cancel, r.cancelAfter, r.registered = cancel, after, 0
	r.mu.Unlock()
}

func (r *ctxRouter) Register(ctx context.Context, reg routing.Registration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := r.MemoryRouter.Register(ctx, reg)
	r.mu.Lock()
	r.registered++
	if r.cancel != nil && r.registered == r.cancelAfter {
		r.cancel()
	}
	r.mu.Unlock()
	return id, err
}

func (r *ctxRouter) Deregister(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.MemoryRouter.Deregister(ctx, id)
}

func (r *ctxRouter) FlushCache(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.MemoryRouter.FlushCache(ctx)
}

// assertNoUnmeteredRoutes checks that every live route belongs to an active
// model, so usage sync sees it.
func assertNoUnmeteredRoutes(t *testing.T, h *harness, live []string) {
	t.Helper()
	active, err := h.store.List(context.Background(), store.StatusActive)
	if err != nil {
		t.Fatal(err)
	}
	metered := map[string]bool{}
	for _, m := range active {
		for _, id := range m.RoutingIDs {
			metered[id] = true
		}
	}
	for _, id := range live {
		if !metered[id] {
			t.Fatalf("route %s is live but not owned by an active model (live=%v)", id, live)
		}
	}
}

func TestActivateRecordsRoutesWhenCallerCancels(t *testing.T) {
	router := newCtxRouter()
	h := newHarness(t, func(c *Config) { c.Router = router })
	m := h.add(t, "a", 100, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router.armCancel(cancel, 2)

	res, err := h.d.Activate(ctx, m.ID)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if res.Registered != 2 {
		t.Fatalf("registered = %d", res.Registered)
	}
	got := h.get(t, m.ID)
	if got.Status != store.StatusActive || len(got.RoutingIDs) != 2 {
		t.Fatalf("model = %s %v", got.Status, got.RoutingIDs)
	}
	assertNoUnmeteredRoutes(t, h, router.Routes())
}

func TestRejectedPromotionRollsBackWhenCallerCancels(t *testing.T) {
	router := newCtxRouter()
	h := newHarness(t, func(c *Config) {
		c.Router = router
		c.MaxActive = 1
		c.EnforceCapOnActivate = true
	})
	a := h.add(t, "a", 100, false)
	b := h.add(t, "b", 100, false)
	if _, err := h.d.Activate(context.Background(), a.ID); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router.armCancel(cancel, 2)
	if _, err := h.d.Activate(ctx, b.ID); !errors.Is(err, store.ErrCapacityExhausted) {
		t.Fatalf("Activate b err = %v, want capacity", err)
	}
	if got := h.get(t, b.ID); got.Status != store.StatusQueued || len(got.RoutingIDs) != 0 {
		t.Fatalf("b = %s %v", got.Status, got.RoutingIDs)
	}
	live := router.Routes()
	if len(live) != 2 {
		t.Fatalf("live routes = %v, want only a's", live)
	}
	assertNoUnmeteredRoutes(t, h, live)
}

func TestCycleKeepsModelActiveWhenDeregistrationFails(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxActive = 1 })
	ctx := context.Background()
	a := h.add(t, "a", 10, false)
	b := h.add(t, "b", 10, false)
	if _, err := h.d.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	a = h.get(t, a.ID)
	h.ledger.Set(a.RoutingIDs[0], 10)
	h.router.DeregisterErr = &routing.APIError{Op: "deregister", Status: 503, Message: "unavailable"}

	rep, err := h.d.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(rep.Exhausted) != 0 || rep.Failures[a.ID] == "" {
		t.Fatalf("exhausted=%v failures=%v", rep.Exhausted, rep.Failures)
	}
	if got := h.get(t, a.ID); got.Status != store.StatusActive {
		t.Fatalf("a = %s, want active while routes remain", got.Status)
	}
	if got := h.get(t, b.ID); got.Status != store.StatusQueued {
		t.Fatalf("b = %s, capacity must stay taken", got.Status)
	}
	assertNoUnmeteredRoutes(t, h, h.router.Routes())

	h.router.DeregisterErr = nil
	rep, err = h.d.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Exhausted) != 1 || rep.Exhausted[0] != a.ID || len(rep.Promoted) != 1 || rep.Promoted[0] != b.ID {
		t.Fatalf("exhausted=%v promoted=%v", rep.Exhausted, rep.Promoted)
	}
	if got := h.get(t, a.ID); got.Status != store.StatusExhausted {
		t.Fatalf("a = %s", got.Status)
	}
	for _, id := range a.RoutingIDs {
		if _, ok := h.router.Route(id); ok {
			t.Fatalf("route %s of exhausted model still live", id)
		}
	}
	assertNoUnmeteredRoutes(t, h, h.router.Routes())
}

func TestActivateRespawnsDeadBoundTunnel(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ReclaimProxyOnExhaust = false })
	ctx := context.Background()
	m := h.add(t, "a", 10, true)
	first, err := h.d.Activate(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	m = h.get(t, m.ID)
	h.ledger.Set(m.RoutingIDs[0], 10)
	if _, err := h.d.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	h.rt.Kill(m.ProxyHandle)
	starts := h.rt.Starts()

	second, err := h.d.Activate(ctx, m.ID)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if second.ProxyDegraded {
		t.Fatal("respawned tunnel reported degraded")
	}
	if h.rt.Starts() != starts+1 {
		t.Fatalf("starts = %d, want %d", h.rt.Starts(), starts+1)
	}
	if _, ok := h.rt.Running(m.ProxyHandle); !ok {
		t.Fatal("tunnel not running after reactivation")
	}
	if second.ProxyBaseURL != first.ProxyBaseURL {
		t.Fatalf("proxy base %q, want %q", second.ProxyBaseURL, first.ProxyBaseURL)
	}
	if got := h.get(t, m.ID); got.ProxyHandle != m.ProxyHandle || got.ProxyPort != m.ProxyPort {
		t.Fatalf("binding changed: %s:%d", got.ProxyHandle, got.ProxyPort)
	}
}

// gatedLedger blocks SuccessCounts until released and records the context
// state it saw.
type gatedLedger struct {
	*routing.MemoryLedger
	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
	sawErr  []error
}

func (l *gatedLedger) SuccessCounts(ctx context.Context, ids []string, since time.Time) (map[string]int64, error) {
	l.mu.Lock()
	entered, release := l.entered, l.release
	l.mu.Unlock()
	if release != nil {
		entered <- struct{}{}
		<-release
	}
	l.mu.Lock()
	l.sawErr = append(l.sawErr, ctx.Err())
	l.mu.Unlock()
	return l.MemoryLedger.SuccessCounts(ctx, ids, since)
}

func TestCycleSurvivesCallerCancellation(t *testing.T) {
	ledger := &gatedLedger{MemoryLedger: routing.NewMemoryLedger()}
	h := newHarness(t, func(c *Config) { c.Ledger = ledger })
	h.add(t, "a", 100, false)
	if _, err := h.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	ledger.mu.Lock()
	ledger.entered = make(chan struct{}, 1)
	ledger.release = make(chan struct{})
	ledger.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.d.RunCycle(ctx)
		done <- err
	}()
	<-ledger.entered
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("caller err = %v, want context.Canceled", err)
	}
	close(ledger.release)

	dctx, dcancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dcancel()
	if err := h.d.Drain(dctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n := len(h.events.Named(EventCycleEnd)); n != 2 {
		t.Fatalf("completed cycles = %d, want 2", n)
	}
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if last := ledger.sawErr[len(ledger.sawErr)-1]; last != nil {
		t.Fatalf("shared cycle saw caller cancellation: %v", last)
	}
}
