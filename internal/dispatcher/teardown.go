package dispatcher

import (
	"context"
	"errors"

	"dispatchd/internal/proxy"
	"dispatchd/internal/store"
)

// Delete tears a model down and removes it. Missing tunnels and routes are
// not errors; only a missing row is.
func (d *Dispatcher) Delete(ctx context.Context, id int64) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	m, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	log := d.log.With().Int64("model_id", id).Str("group", m.GroupName).Logger()
	if err := d.stopProxy(ctx, m); err != nil {
		return err
	}
	if n := d.deregisterAll(ctx, id, m.RoutingIDs); n > 0 {
		log.Warn().Int("failed", n).Msg("some routes could not be removed")
	}
	if len(m.RoutingIDs) > 0 {
		if err := d.router.FlushCache(ctx); err != nil {
			log.Warn().Err(err).Msg("routing cache flush failed")
		}
	}
	if err := d.store.Delete(ctx, id); err != nil {
		return err
	}
	log.Info().Msg("model deleted")
	d.publish(EventModelDeleted, id, nil)
	return nil
}

// SetStatus moves a model to archived, queued or exhausted. Leaving active
// removes its routes and releases its tunnel; if a route cannot be removed
// the model stays active and a RoutesRemainingError is returned.
func (d *Dispatcher) SetStatus(ctx context.Context, id int64, to store.Status) (store.ManagedModel, error) {
	switch to {
	case store.StatusArchived, store.StatusQueued, store.StatusExhausted:
	case store.StatusActive:
		return store.ManagedModel{}, ErrConfig("use activate to make a model active")
	default:
		return store.ManagedModel{}, ErrConfig("unknown status %q", to)
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	m, err := d.store.Get(ctx, id)
	if err != nil {
		return m, err
	}
	if m.Status == to {
		return m, nil
	}
	if m.Status == store.StatusActive {
		// Routes that stay live must stay on an active, metered row.
		if n := d.deregisterAll(ctx, id, m.RoutingIDs); n > 0 {
			return m, &RoutesRemainingError{ModelID: id, Remaining: n}
		}
	}
	if m.Status == store.StatusActive || to == store.StatusArchived {
		if err := d.stopProxy(ctx, m); err != nil {
			return m, err
		}
	}
	if m.Status == store.StatusActive {
		if err := d.store.ClearRouting(ctx, id); err != nil {
			return m, err
		}
		if err := d.router.FlushCache(ctx); err != nil {
			d.log.Warn().Err(err).Msg("routing cache flush failed")
		}
	}
	if err := d.store.CompareAndSetStatus(ctx, id, m.Status, to); err != nil {
		return m, err
	}
	d.log.Info().Int64("model_id", id).Str("from", string(m.Status)).Str("to", string(to)).Msg("status changed")
	d.publish(EventStatusChanged, id, map[string]any{"from": string(m.Status), "to": string(to)})
	return d.store.Get(ctx, id)
}

// stopProxy stops and unbinds the model's tunnel. A tunnel that is already
// gone only needs unbinding.
func (d *Dispatcher) stopProxy(ctx context.Context, m store.ManagedModel) error {
	if m.ProxyHandle == "" {
		return nil
	}
	if err := d.proxies.Stop(ctx, m.ProxyHandle); err != nil && !errors.Is(err, proxy.ErrNotFound) {
		return resourceError{op: "stop tunnel " + m.ProxyHandle, err: err}
	}
	if err := d.store.UnbindProxy(ctx, m.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}
