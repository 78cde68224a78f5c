package dispatcher

import (
	"context"

	"dispatchd/internal/store"
)

// ActivationResult reports what an explicit activation registered.
type ActivationResult struct {
	ModelID       int64
	Registered    int
	Failed        int
	RouteIDs      []string
	ProxyBaseURL  string
	ProxyDegraded bool
	Errors        []string
}

// Activate registers a model immediately, outside the cycle. It accepts a
// queued, exhausted or archived model. The pool capacity is only respected
// when EnforceCapOnActivate is set; the next cycle contracts if needed.
func (d *Dispatcher) Activate(ctx context.Context, id int64) (ActivationResult, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	res := ActivationResult{ModelID: id}
	m, err := d.store.Get(ctx, id)
	if err != nil {
		return res, err
	}
	if m.Status == store.StatusActive {
		return res, ErrAlreadyActive
	}
	maxActive := 0
	if d.cfg.EnforceCapOnActivate {
		maxActive = d.cfg.MaxActive
	}
	p, err := d.promote(ctx, m, promoteOptions{
		source:    "activate",
		maxActive: maxActive,
		from:      []store.Status{store.StatusQueued, store.StatusExhausted, store.StatusArchived},
	})
	res.RouteIDs = p.RouteIDs
	res.Registered = len(p.RouteIDs)
	res.Failed = len(p.Failures)
	res.Errors = p.Failures
	res.ProxyBaseURL = p.ProxyBaseURL
	res.ProxyDegraded = p.ProxyDegraded
	if err != nil {
		if len(p.RouteIDs) > 0 {
			// Routes were rolled back with the rejected promotion.
			res.Registered = 0
			res.RouteIDs = nil
		}
		return res, err
	}
	return res, nil
}
