package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatchd/internal/alert"
	"dispatchd/internal/routing"
	"dispatchd/internal/store"
)

// CycleReport describes one completed dispatch cycle.
type CycleReport struct {
	StartedAt time.Time
	Duration  time.Duration
	// Usage is the fresh ledger count per active model.
	Usage     map[int64]int64
	Exhausted []int64
	Promoted  []int64
	// Failures maps model id to the reason its expansion attempt failed.
	Failures map[int64]string
	Counts   map[store.Status]int
	Alerted  bool
}

// RunCycle syncs usage, demotes exhausted models, promotes queued ones up to
// capacity and raises the low-pool alert. Concurrent callers in this process
// share one execution. A ledger failure aborts before any state is written.
//
// The shared execution does not inherit any caller's cancellation; it is
// bounded by CycleTimeout instead. A caller whose ctx ends stops waiting and
// gets ctx's error while the cycle runs to completion.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleReport, error) {
	ch := d.group.DoChan("cycle", func() (any, error) {
		d.running.Add(1)
		defer d.running.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.CycleTimeout)
		defer cancel()
		return d.runCycleLocked(cctx)
	})
	select {
	case res := <-ch:
		rep, _ := res.Val.(CycleReport)
		return rep, res.Err
	case <-ctx.Done():
		return CycleReport{}, ctx.Err()
	}
}

// Drain waits for a running cycle to finish, or for ctx to end.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) runCycleLocked(ctx context.Context) (CycleReport, error) {
	release, err := d.locker.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrCycleBusy) {
			cyclesTotal.WithLabelValues("busy").Inc()
		} else {
			cyclesTotal.WithLabelValues("error").Inc()
		}
		return CycleReport{}, err
	}
	defer release()

	d.opMu.Lock()
	defer d.opMu.Unlock()

	start := d.now()
	d.publish(EventCycleStart, 0, nil)
	rep, err := d.cycle(ctx, start)
	rep.StartedAt = start
	rep.Duration = d.now().Sub(start)
	cycleDuration.Observe(rep.Duration.Seconds())

	if err != nil {
		cyclesTotal.WithLabelValues("aborted").Inc()
		d.log.Error().Err(err).Msg("dispatch cycle aborted")
		d.publish(EventCycleAborted, 0, map[string]any{"error": err.Error()})
		d.recordCycle(rep, err)
		return rep, err
	}
	cyclesTotal.WithLabelValues("ok").Inc()
	d.log.Info().
		Int("exhausted", len(rep.Exhausted)).
		Int("promoted", len(rep.Promoted)).
		Int("failed", len(rep.Failures)).
		Int("active", rep.Counts[store.StatusActive]).
		Int("queued", rep.Counts[store.StatusQueued]).
		Dur("took", rep.Duration).
		Msg("dispatch cycle complete")
	d.publish(EventCycleEnd, 0, map[string]any{
		"exhausted": len(rep.Exhausted), "promoted": len(rep.Promoted), "failed": len(rep.Failures),
	})
	d.recordCycle(rep, nil)
	return rep, nil
}

func (d *Dispatcher) cycle(ctx context.Context, now time.Time) (CycleReport, error) {
	rep := CycleReport{Usage: map[int64]int64{}, Failures: map[int64]string{}}

	// Sync.
	active, err := d.store.List(ctx, store.StatusActive)
	if err != nil {
		return rep, err
	}
	usage, err := d.syncUsage(ctx, active, now)
	if err != nil {
		return rep, err
	}
	rep.Usage = usage

	// Contract.
	remaining := 0
	for _, m := range active {
		if usage[m.ID] < m.DailyRequestLimit {
			remaining++
			continue
		}
		if err := d.exhaust(ctx, m, usage[m.ID]); err != nil {
			var re *RoutesRemainingError
			switch {
			case errors.As(err, &re):
				// Still active and still metered; the next cycle retries.
				remaining++
				rep.Failures[m.ID] = err.Error()
				continue
			case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrNotFound):
				continue
			}
			return rep, err
		}
		rep.Exhausted = append(rep.Exhausted, m.ID)
	}

	// Expand.
	if free := d.cfg.MaxActive - remaining; free > 0 {
		queued, err := d.store.List(ctx, store.StatusQueued)
		if err != nil {
			return rep, err
		}
		if len(queued) > free {
			queued = queued[:free]
		}
	expand:
		for _, m := range queued {
			_, err := d.promote(ctx, m, promoteOptions{
				source:    "cycle",
				maxActive: d.cfg.MaxActive,
				from:      []store.Status{store.StatusQueued},
			})
			switch {
			case err == nil:
				rep.Promoted = append(rep.Promoted, m.ID)
			case errors.Is(err, store.ErrCapacityExhausted):
				// The pool filled up under us; leave the rest queued.
				rep.Failures[m.ID] = err.Error()
				break expand
			case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrNotFound):
			default:
				rep.Failures[m.ID] = err.Error()
			}
		}
	}

	// Alert.
	counts, err := d.store.Counts(ctx)
	if err != nil {
		return rep, err
	}
	rep.Counts = counts
	observeCounts(counts)
	rep.Alerted = d.maybeAlert(ctx, counts)
	return rep, nil
}

// syncUsage reads today's successful calls for every active model in one
// ledger query and refreshes the cached counters.
func (d *Dispatcher) syncUsage(ctx context.Context, active []store.ManagedModel, now time.Time) (map[int64]int64, error) {
	usage := make(map[int64]int64, len(active))
	var ids []string
	owner := map[string]int64{}
	for _, m := range active {
		usage[m.ID] = 0
		for _, id := range m.RoutingIDs {
			ids = append(ids, id)
			owner[id] = m.ID
		}
	}
	if len(ids) > 0 {
		counts, err := d.ledger.SuccessCounts(ctx, ids, routing.DayStart(now, d.cfg.Location))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		}
		for id, n := range counts {
			if mid, ok := owner[id]; ok {
				usage[mid] += n
			}
		}
	}
	for _, m := range active {
		if usage[m.ID] == m.RequestsToday {
			continue
		}
		if err := d.store.SetRequestsToday(ctx, m.ID, usage[m.ID]); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return usage, nil
}

// exhaust removes a model's routes and parks it until the quota resets. If
// any route could not be removed the model stays active so its usage keeps
// being synced, and a RoutesRemainingError is returned.
func (d *Dispatcher) exhaust(ctx context.Context, m store.ManagedModel, used int64) error {
	log := d.log.With().Int64("model_id", m.ID).Str("group", m.GroupName).Logger()
	if n := d.deregisterAll(ctx, m.ID, m.RoutingIDs); n > 0 {
		log.Error().Int("failed", n).Int64("used", used).Msg("exhausted model still has live routes, keeping it active")
		return &RoutesRemainingError{ModelID: m.ID, Remaining: n}
	}
	if err := d.store.MarkExhausted(ctx, m.ID); err != nil {
		return err
	}
	if d.cfg.ReclaimProxyOnExhaust && m.ProxyHandle != "" {
		if err := d.proxies.Stop(ctx, m.ProxyHandle); err != nil {
			log.Warn().Err(err).Str("handle", m.ProxyHandle).Msg("stop tunnel of exhausted model failed")
		} else if err := d.store.UnbindProxy(ctx, m.ID); err != nil {
			log.Warn().Err(err).Msg("unbind tunnel failed")
		}
	}
	if err := d.router.FlushCache(ctx); err != nil {
		log.Warn().Err(err).Msg("routing cache flush failed")
	}
	exhaustionsTotal.Inc()
	log.Info().Int64("used", used).Int64("limit", m.DailyRequestLimit).Msg("model exhausted")
	d.publish(EventModelExhausted, m.ID, map[string]any{"used": used, "limit": m.DailyRequestLimit})
	return nil
}

// maybeAlert notifies when the serving plus waiting models are running out.
func (d *Dispatcher) maybeAlert(ctx context.Context, counts map[store.Status]int) bool {
	if d.cfg.AlertThreshold < 0 {
		return false
	}
	active, queued := counts[store.StatusActive], counts[store.StatusQueued]
	left := active + queued
	if left > d.cfg.AlertThreshold {
		if r, ok := d.notifier.(interface{ Reset() }); ok {
			r.Reset()
		}
		return false
	}
	text := fmt.Sprintf("dispatchd: only %d usable models left (%d active, %d queued, %d exhausted). Add capacity.",
		left, active, queued, counts[store.StatusExhausted])
	err := d.notifier.Notify(ctx, text)
	switch {
	case err == nil:
		alertsTotal.WithLabelValues("sent").Inc()
		d.log.Warn().Int("remaining", left).Msg("low pool alert sent")
		d.publish(EventAlertSent, 0, map[string]any{"remaining": left})
		return true
	case errors.Is(err, alert.ErrSuppressed):
		alertsTotal.WithLabelValues("suppressed").Inc()
		return false
	default:
		alertsTotal.WithLabelValues("error").Inc()
		d.log.Error().Err(err).Int("remaining", left).Msg("low pool alert failed")
		return false
	}
}
