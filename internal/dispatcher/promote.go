package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/proxy"
	"dispatchd/internal/routing"
	"dispatchd/internal/store"
)

// bookkeepingTimeout bounds the store and routing calls that must complete
// once routes have been registered.
const bookkeepingTimeout = 15 * time.Second

// promotion is the outcome of one promote call.
type promotion struct {
	RouteIDs      []string
	Failures      []string
	ProxyHandle   string
	ProxyBaseURL  string
	ProxyDegraded bool
}

type promoteOptions struct {
	source string
	// maxActive <= 0 skips the capacity guard.
	maxActive int
	from      []store.Status
}

// promote binds a tunnel when the model needs one, registers every definition
// and flips the model to active. Partial registration failures are tolerated;
// if nothing registers the model keeps its status and the errors are recorded.
// If the capacity guard rejects the promotion the fresh routes are removed.
func (d *Dispatcher) promote(ctx context.Context, m store.ManagedModel, opt promoteOptions) (promotion, error) {
	var p promotion
	if len(m.Definitions) == 0 {
		return p, ErrConfig("model %d has no definitions", m.ID)
	}
	log := d.log.With().Int64("model_id", m.ID).Str("group", m.GroupName).Str("source", opt.source).Logger()

	if m.HasProxy() {
		target := m.Definitions[0].APIBase
		if strings.TrimSpace(target) == "" {
			return p, ErrConfig("model %d: first definition must set api base for proxy routing", m.ID)
		}
		proc, err := d.bindProxy(ctx, m, target)
		if err != nil {
			// Availability over egress guarantees: register direct routes.
			p.ProxyDegraded = true
			proxyFallbacksTotal.Inc()
			log.Warn().Err(err).Msg("tunnel unavailable, registering direct routes")
			d.publish(EventProxyDegraded, m.ID, map[string]any{"error": err.Error()})
		} else {
			p.ProxyHandle = proc.Handle
			p.ProxyBaseURL = proc.InternalBaseURL
		}
	}

	seen := map[string]int{}
	for _, def := range m.Definitions {
		id := routing.RouteID(m.ID, def.UpstreamModel)
		if n := seen[id]; n > 0 {
			seen[id] = n + 1
			id = fmt.Sprintf("%s_%d", id, n+1)
		} else {
			seen[id] = 1
		}
		base := def.APIBase
		if p.ProxyBaseURL != "" {
			base = p.ProxyBaseURL
		}
		got, err := d.router.Register(ctx, routing.Registration{
			ID:                 id,
			ModelName:          m.GroupName,
			UpstreamModel:      def.UpstreamModel,
			APIKey:             def.Credential,
			APIBase:            base,
			Provider:           def.Provider,
			InputCostPerToken:  def.InputCostPerToken,
			OutputCostPerToken: def.OutputCostPerToken,
		})
		if err != nil {
			registrationFailuresTotal.Inc()
			msg := fmt.Sprintf("register %s: %v", def.UpstreamModel, err)
			p.Failures = append(p.Failures, msg)
			log.Warn().Err(err).Str("upstream", def.UpstreamModel).Msg("definition registration failed")
			continue
		}
		p.RouteIDs = append(p.RouteIDs, got)
	}

	if len(p.RouteIDs) == 0 {
		if err := d.store.RecordError(ctx, m.ID, strings.Join(p.Failures, "; ")); err != nil {
			log.Warn().Err(err).Msg("record registration errors failed")
		}
		d.publish(EventPromotionFailed, m.ID, map[string]any{"errors": p.Failures})
		return p, &RegistrationError{ModelID: m.ID, Details: p.Failures}
	}

	// Routes are live from here on. Record or remove them even when the
	// caller is gone.
	ctx, cancel := detach(ctx)
	defer cancel()

	if err := d.store.Promote(ctx, m.ID, p.RouteIDs, opt.maxActive, opt.from...); err != nil {
		log.Warn().Err(err).Msg("promotion rejected, removing fresh routes")
		d.deregisterAll(ctx, m.ID, p.RouteIDs)
		return p, err
	}
	if len(p.Failures) > 0 || p.ProxyDegraded {
		note := p.Failures
		if p.ProxyDegraded {
			note = append([]string{"tunnel unavailable, routes registered direct"}, note...)
		}
		if err := d.store.RecordError(ctx, m.ID, strings.Join(note, "; ")); err != nil {
			log.Warn().Err(err).Msg("record partial failures failed")
		}
	}
	if err := d.router.FlushCache(ctx); err != nil {
		log.Warn().Err(err).Msg("routing cache flush failed")
	}

	promotionsTotal.WithLabelValues(opt.source).Inc()
	log.Info().Int("routes", len(p.RouteIDs)).Int("failed", len(p.Failures)).Str("proxy", p.ProxyHandle).Msg("model promoted")
	d.publish(EventModelPromoted, m.ID, map[string]any{
		"source": opt.source, "routes": len(p.RouteIDs), "failed": len(p.Failures), "proxy": p.ProxyHandle,
	})
	return p, nil
}

// bindProxy reuses the tunnel already bound to the model when it still runs,
// and spawns one otherwise. A re-spawn keeps the handle and its port lease.
func (d *Dispatcher) bindProxy(ctx context.Context, m store.ManagedModel, target string) (proxy.Process, error) {
	if m.ProxyHandle != "" && m.ProxyPort > 0 {
		proc, err := d.proxies.Attach(ctx, m.ProxyHandle, m.ProxyPort, target)
		if err == nil {
			return proc, nil
		}
		if !errors.Is(err, proxy.ErrNotRunning) {
			return proc, resourceError{op: "attach tunnel", err: err}
		}
		d.log.Info().Int64("model_id", m.ID).Str("handle", m.ProxyHandle).Msg("bound tunnel is down, respawning")
	}
	proc, err := d.proxies.Spawn(ctx, m.ID, m.ProxyTarget, target)
	if err != nil {
		return proc, resourceError{op: "spawn tunnel", err: err}
	}
	if err := d.store.BindProxy(ctx, m.ID, proc.Handle, proc.Port); err != nil {
		// An unrecorded tunnel would leak; take it down again.
		sctx, cancel := detach(ctx)
		defer cancel()
		if serr := d.proxies.Stop(sctx, proc.Handle); serr != nil {
			d.log.Warn().Err(serr).Str("handle", proc.Handle).Msg("stop unrecorded tunnel failed")
		}
		return proxy.Process{}, fmt.Errorf("bind tunnel: %w", err)
	}
	return proc, nil
}

// detach returns a context that survives cancellation of ctx but is still
// bounded by bookkeepingTimeout.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

// deregisterAll removes routes best-effort. Routes already gone are fine.
func (d *Dispatcher) deregisterAll(ctx context.Context, modelID int64, ids []string) (failed int) {
	for _, id := range ids {
		err := d.router.Deregister(ctx, id)
		if err == nil || errors.Is(err, routing.ErrNotFound) {
			continue
		}
		failed++
		d.log.Warn().Err(err).Int64("model_id", modelID).Str("route_id", id).Msg("deregister failed")
	}
	return failed
}
