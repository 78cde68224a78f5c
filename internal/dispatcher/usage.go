package dispatcher

import (
	"context"

	"dispatchd/internal/store"
)

// ResetReport is the outcome of a daily usage reset.
type ResetReport struct {
	Reset    int64
	Requeued int64
}

// ResetUsage zeroes the cached daily counters. With requeue, exhausted models
// become eligible for promotion again. The ledger is never touched; its day
// boundary moves on its own.
func (d *Dispatcher) ResetUsage(ctx context.Context, requeue bool) (ResetReport, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	var rep ResetReport
	n, err := d.store.ResetRequestsToday(ctx)
	if err != nil {
		return rep, err
	}
	rep.Reset = n
	if requeue || d.cfg.RequeueOnReset {
		if rep.Requeued, err = d.store.Requeue(ctx, store.StatusExhausted); err != nil {
			return rep, err
		}
	}
	d.log.Info().Int64("reset", rep.Reset).Int64("requeued", rep.Requeued).Msg("daily usage reset")
	d.publish(EventUsageReset, 0, map[string]any{"reset": rep.Reset, "requeued": rep.Requeued})
	return rep, nil
}
