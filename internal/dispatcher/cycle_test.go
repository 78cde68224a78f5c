package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"

	"dispatchd/internal/alert"
	"dispatchd/internal/routing"
	"dispatchd/internal/store"
)

func TestCyclePromotesEarliestUpToCapacity(t *testing.T) {
	h := newHarness(t, nil)
	var ids []int64
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, h.add(t, n, 100, false).ID)
	}

	rep, err := h.d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(rep.Promoted) != 4 {
		t.Fatalf("promoted %v", rep.Promoted)
	}
	for i, id := range ids {
		want := store.StatusActive
		if i == 4 {
			want = store.StatusQueued
		}
		if got := h.get(t, id).Status; got != want {
			t.Fatalf("model %d status = %s, want %s", id, got, want)
		}
	}
	if c := h.counts(t); c[store.StatusActive] != 4 || c[store.StatusQueued] != 1 {
		t.Fatalf("counts = %v", c)
	}
	if h.router.Flushes() == 0 {
		t.Fatal("cache was not flushed after promotion")
	}
}

func TestCycleRegistersEveryDefinition(t *testing.T) {
	h := newHarness(t, nil)
	m := h.add(t, "flash", 100, false)
	if _, err := h.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := h.get(t, m.ID)
	want := []string{
		routing.RouteID(m.ID, "gemini/flash"),
		routing.RouteID(m.ID, "gemini/flash-lite"),
	}
	if routeIDs(got) != "["+strings.Join(want, " ")+"]" {
		t.Fatalf("routing ids = %v", got.RoutingIDs)
	}
	reg, ok := h.router.Route(want[0])
	if !ok {
		t.Fatalf("route %s missing", want[0])
	}
	if reg.ModelName != "flash" || reg.APIBase != "https://generativelanguage.googleapis.com/v1beta" || reg.APIKey != "key-flash" {
		t.Fatalf("registration = %+v", reg)
	}
}

func TestCycleExhaustsAndBackfillsInSameCycle(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxActive = 1 })
	a := h.add(t, "a", 100, false)
	b := h.add(t, "b", 100, false)
	ctx := context.Background()
	if _, err := h.d.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	a = h.get(t, a.ID)
	if a.Status != store.StatusActive {
		t.Fatalf("a = %s", a.Status)
	}

	h.ledger.Set(a.RoutingIDs[0], 60)
	h.ledger.Set(a.RoutingIDs[1], 40)
	rep, err := h.d.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Usage[a.ID] != 100 {
		t.Fatalf("usage = %v", rep.Usage)
	}
	if len(rep.Exhausted) != 1 || rep.Exhausted[0] != a.ID {
		t.Fatalf("exhausted = %v", rep.Exhausted)
	}
	if len(rep.Promoted) != 1 || rep.Promoted[0] != b.ID {
		t.Fatalf("promoted = %v", rep.Promoted)
	}
	if got := h.get(t, a.ID); got.Status != store.StatusExhausted || got.RequestsToday != 100 {
		t.Fatalf("a after = %s %d", got.Status, got.RequestsToday)
	}
	for _, id := range a.RoutingIDs {
		if _, ok := h.router.Route(id); ok {
			t.Fatalf("route %s still registered", id)
		}
	}
	if h.get(t, b.ID).Status != store.StatusActive {
		t.Fatal("b not promoted")
	}
}

func TestCycleContractsBeforeExpanding(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxActive = 1 })
	a := h.add(t, "a", 10, false)
	ctx := context.Background()
	if _, err := h.d.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	a = h.get(t, a.ID)
	h.add(t, "b", 10, false)
	h.ledger.Set(a.RoutingIDs[0], 10)
	before := len(h.router.Calls())
	if _, err := h.d.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	calls := h.router.Calls()[before:]
	if len(calls) == 0 || !strings.HasPrefix(calls[0], "deregister:") {
		t.Fatalf("first call of cycle = %v", calls)
	}
	sawRegister := false
	for _, c := range calls {
		if strings.HasPrefix(c, "register:") {
			sawRegister = true
		}
		if sawRegister && strings.HasPrefix(c, "deregister:") {
			t.Fatalf("deregistration after registration: %v", calls)
		}
	}
}

func TestCycleLedgerDownAbortsWithoutWrites(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxActive = 1 })
	a := h.add(t, "a", 10, false)
	ctx := context.Background()
	if _, err := h.d.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	b := h.add(t, "b", 10, false)
	a = h.get(t, a.ID)
	h.ledger.Set(a.RoutingIDs[0], 50)
	h.ledger.SetError(routing.ErrLedgerDown)
	calls := len(h.router.Calls())

	_, err := h.d.RunCycle(ctx)
	if !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if got := h.get(t, a.ID); got.Status != store.StatusActive || got.RequestsToday != 0 {
		t.Fatalf("a changed: %s %d", got.Status, got.RequestsToday)
	}
	if h.get(t, b.ID).Status != store.StatusQueued {
		t.Fatal("b promoted during aborted cycle")
	}
	if len(h.router.Calls()) != calls {
		t.Fatal("routing layer touched during aborted cycle")
	}
	if len(h.events.Named(EventCycleAborted)) != 1 {
		t.Fatal("abort event missing")
	}
}

func TestCyclePartialRegistrationStillPromotes(t *testing.T) {
	h := newHarness(t, nil)
	m := h.add(t, "a", 10, false)
	h.router.Fail["gemini/a-lite"] = true
	if _, err := h.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := h.get(t, m.ID)
	if got.Status != store.StatusActive || len(got.RoutingIDs) != 1 {
		t.Fatalf("model = %s %v", got.Status, got.RoutingIDs)
	}
	if !strings.Contains(got.LastError, "gemini/a-lite") {
		t.Fatalf("last error = %q", got.LastError)
	}
}

func TestCycleTotalRegistrationFailureLeavesQueued(t *testing.T) {
	h := newHarness(t, nil)
	m := h.add(t, "a", 10, false)
	h.router.Fail["gemini/a"] = true
	h.router.Fail["gemini/a-lite"] = true
	rep, err := h.d.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Promoted) != 0 || rep.Failures[m.ID] == "" {
		t.Fatalf("report = %+v", rep)
	}
	got := h.get(t, m.ID)
	if got.Status != store.StatusQueued || got.LastError == "" || len(got.RoutingIDs) != 0 {
		t.Fatalf("model = %+v", got)
	}
	if len(h.events.Named(EventPromotionFailed)) != 1 {
		t.Fatal("promotion failure event missing")
	}
}

func TestCycleProxiedModelUsesTunnel(t *testing.T) {
	h := newHarness(t, nil)
	m := h.add(t, "a", 10, true)
	if _, err := h.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := h.get(t, m.ID)
	if got.ProxyHandle != "socks_proxy_model_"+strconv.FormatInt(m.ID, 10) || got.ProxyPort != 18090 {
		t.Fatalf("binding = %s:%d", got.ProxyHandle, got.ProxyPort)
	}
	for _, id := range got.RoutingIDs {
		reg, _ := h.router.Route(id)
		if reg.APIBase != "http://"+got.ProxyHandle+":18090/v1beta" {
			t.Fatalf("route %s api base = %s", id, reg.APIBase)
		}
	}
	spec, ok := h.rt.Running(got.ProxyHandle)
	if !ok || spec.Target != "https://generativelanguage.googleapis.com" {
		t.Fatalf("tunnel = %+v %v", spec, ok)
	}
}

func TestCycleSpawnFailureDegradesToDirect(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.StartErr = errors.New("image missing")
	m := h.add(t, "a", 10, true)
	if _, err := h.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := h.get(t, m.ID)
	if got.Status != store.StatusActive || got.ProxyHandle != "" {
		t.Fatalf("model = %s handle=%q", got.Status, got.ProxyHandle)
	}
	reg, _ := h.router.Route(got.RoutingIDs[0])
	if reg.APIBase != "https://generativelanguage.googleapis.com/v1beta" {
		t.Fatalf("api base = %s", reg.APIBase)
	}
	if len(h.events.Named(EventProxyDegraded)) != 1 {
		t.Fatal("degraded event missing")
	}
}

func TestCycleReclaimsTunnelOnExhaust(t *testing.T) {
	h := newHarness(t, nil)
	m := h.add(t, "a", 10, true)
	ctx := context.Background()
	if _, err := h.d.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	m = h.get(t, m.ID)
	h.ledger.Set(m.RoutingIDs[0], 10)
	if _, err := h.d.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	got := h.get(t, m.ID)
	if got.Status != store.StatusExhausted || got.ProxyHandle != "" {
		t.Fatalf("model = %s handle=%q", got.Status, got.ProxyHandle)
	}
	if h.rt.Live() != 0 {
		t.Fatalf("live tunnels = %d", h.rt.Live())
	}
}

func TestCycleKeepsTunnelWithoutReclaim(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ReclaimProxyOnExhaust = false })
	m := h.add(t, "a", 10, true)
	ctx := context.Background()
	if _, err := h.d.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	m = h.get(t, m.ID)
	h.ledger.Set(m.RoutingIDs[0], 10)
	if _, err := h.d.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	got := h.get(t, m.ID)
	if got.Status != store.StatusExhausted || got.ProxyHandle != m.ProxyHandle || h.rt.Live() != 1 {
		t.Fatalf("model = %s handle=%q live=%d", got.Status, got.ProxyHandle, h.rt.Live())
	}
}

func TestCycleAlertsOnLowPool(t *testing.T) {
	h := newHarness(t, nil)
	for _, n := range []string{"a", "b", "c"} {
		h.add(t, n, 10, false)
	}
	rep, err := h.d.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	msgs := h.alerts.Messages()
	if len(msgs) != 1 || !rep.Alerted {
		t.Fatalf("alerts = %v", msgs)
	}
	for _, want := range []string{"3", "3 active", "0 queued"} {
		if !strings.Contains(msgs[0], want) {
			t.Fatalf("alert %q lacks %q", msgs[0], want)
		}
	}
}

func TestCycleNoAlertAboveThreshold(t *testing.T) {
	h := newHarness(t, nil)
	for _, n := range []string{"a", "b", "c", "d"} {
		h.add(t, n, 10, false)
	}
	if _, err := h.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(h.alerts.Messages()); n != 0 {
		t.Fatalf("alerts = %d", n)
	}
}

func TestCycleAlertFailureDoesNotFailCycle(t *testing.T) {
	h := newHarness(t, nil)
	h.alerts.Err = errors.New("webhook down")
	m := h.add(t, "a", 10, false)
	rep, err := h.d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Alerted || h.get(t, m.ID).Status != store.StatusActive {
		t.Fatalf("report = %+v", rep)
	}
}

func TestCycleAlertSuppressedUntilRecovery(t *testing.T) {
	mem := alert.NewMemory()
	h := newHarness(t, func(c *Config) { c.Notifier = alert.NewThrottled(mem, 1<<40) })
	ctx := context.Background()
	h.add(t, "a", 10, false)
	for i := 0; i < 3; i++ {
		if _, err := h.d.RunCycle(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(mem.Messages()); n != 1 {
		t.Fatalf("alerts during outage = %d, want 1", n)
	}
	for _, n := range []string{"b", "c", "d"} {
		h.add(t, n, 10, false)
	}
	if _, err := h.d.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	active, _ := h.store.List(ctx, store.StatusActive)
	if _, err := h.d.SetStatus(ctx, active[0].ID, store.StatusArchived); err != nil {
		t.Fatal(err)
	}
	if _, err := h.d.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(mem.Messages()); n != 2 {
		t.Fatalf("alerts after recovery = %d, want 2", n)
	}
}

func TestCycleNegativeThresholdDisablesAlert(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AlertThreshold = -1 })
	h.add(t, "a", 10, false)
	if _, err := h.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(h.alerts.Messages()); n != 0 {
		t.Fatalf("alerts = %d", n)
	}
}

func TestCycleNeverExceedsCapacity(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxActive = 2 })
	ctx := context.Background()
	for _, n := range []string{"a", "b", "c", "d", "e", "f"} {
		h.add(t, n, 10, false)
	}
	// An override pushes the pool above the cap; cycles must not add more.
	queued, _ := h.store.List(ctx, store.StatusQueued)
	for _, m := range queued[3:] {
		if _, err := h.d.Activate(ctx, m.ID); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.d.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if c := h.counts(t); c[store.StatusActive] != 3 {
		t.Fatalf("active = %d, want 3 (no promotion above cap)", c[store.StatusActive])
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.d.RunCycle(ctx)
		}()
	}
	wg.Wait()
	if c := h.counts(t); c[store.StatusActive] != 3 || c[store.StatusQueued] != 3 {
		t.Fatalf("counts = %v", c)
	}
}

func TestCycleConcurrentCallersNeverOverfill(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxActive = 3 })
	ctx := context.Background()
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		h.add(t, n, 10, false)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.d.RunCycle(ctx); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if c := h.counts(t); c[store.StatusActive] != 3 || c[store.StatusQueued] != 4 {
		t.Fatalf("counts = %v", c)
	}
}

func TestCycleBusyLockSkips(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Locker = busyLocker{} })
	m := h.add(t, "a", 10, false)
	if _, err := h.d.RunCycle(context.Background()); !errors.Is(err, ErrCycleBusy) {
		t.Fatalf("err = %v", err)
	}
	if h.get(t, m.ID).Status != store.StatusQueued {
		t.Fatal("cycle ran without the lock")
	}
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context) (func(), error) { return nil, ErrCycleBusy }
