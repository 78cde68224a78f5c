package routing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryRouter is an in-process Router. For tests.
type MemoryRouter struct {
	mu     sync.Mutex
	routes map[string]Registration
	// Fail makes Register reject definitions whose upstream model is listed.
	Fail map[string]bool
	// DeregisterErr, when set, is returned by every Deregister.
	DeregisterErr error
	flushes       int
	calls         []string
}

func NewMemoryRouter() *MemoryRouter {
	return &MemoryRouter{routes: map[string]Registration{}, Fail: map[string]bool{}}
}

func (r *MemoryRouter) Register(_ context.Context, reg Registration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "register:"+reg.ID)
	if r.Fail[reg.UpstreamModel] {
		return "", &APIError{Op: "register", Status: 400, Message: "invalid model " + reg.UpstreamModel}
	}
	r.routes[reg.ID] = reg
	return reg.ID, nil
}

func (r *MemoryRouter) Deregister(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "deregister:"+id)
	if r.DeregisterErr != nil {
		return r.DeregisterErr
	}
	if _, ok := r.routes[id]; !ok {
		return ErrNotFound
	}
	delete(r.routes, id)
	return nil
}

func (r *MemoryRouter) FlushCache(context.Context) error {
	r.mu.Lock()
	r.flushes++
	r.mu.Unlock()
	return nil
}

// Routes returns the registered route ids, sorted.
func (r *MemoryRouter) Routes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.routes))
	for id := range r.routes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Route returns one registration.
func (r *MemoryRouter) Route(id string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.routes[id]
	return reg, ok
}

// Calls returns register/deregister calls in order.
func (r *MemoryRouter) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Flushes returns how many times the cache was flushed.
func (r *MemoryRouter) Flushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes
}

// MemoryLedger is a settable Ledger. For tests.
type MemoryLedger struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
	calls  int
}

func NewMemoryLedger() *MemoryLedger { return &MemoryLedger{counts: map[string]int64{}} }

// Set records n successful calls for a route.
func (l *MemoryLedger) Set(id string, n int64) {
	l.mu.Lock()
	l.counts[id] = n
	l.mu.Unlock()
}

// SetError makes the ledger unreachable (nil restores it).
func (l *MemoryLedger) SetError(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

// Calls returns how many queries were made.
func (l *MemoryLedger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *MemoryLedger) SuccessCounts(_ context.Context, ids []string, _ time.Time) (map[string]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	out := make(map[string]int64, len(ids))
	for _, id := range ids {
		if n, ok := l.counts[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

// ErrLedgerDown is a convenience error for tests simulating an outage.
var ErrLedgerDown = errors.New("ledger unreachable")
