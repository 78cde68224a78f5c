package httpapi

import (
	"context"
	"errors"
	"time"

	"dispatchd/internal/dispatcher"
	"dispatchd/internal/probe"
	"dispatchd/internal/store"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	CreateModel(ctx context.Context, n store.NewModel) (store.ManagedModel, error)
	GetModel(ctx context.Context, id int64) (store.ManagedModel, error)
	ListModels(ctx context.Context, statuses ...store.Status) ([]store.ManagedModel, error)
	SetStatus(ctx context.Context, id int64, to store.Status) (store.ManagedModel, error)
	DeleteModel(ctx context.Context, id int64) error
	Activate(ctx context.Context, id int64) (dispatcher.ActivationResult, error)
	RunCycle(ctx context.Context) (dispatcher.CycleReport, error)
	// TriggerCycle schedules a cycle without waiting. It reports false when
	// one is already pending.
	TriggerCycle() bool
	Status(ctx context.Context) (dispatcher.StatusReport, error)
	TestConnectivity(ctx context.Context, req probe.Request) (probe.Result, error)
	Ready(ctx context.Context) bool
}

// ReadyCheck reports whether a dependency is reachable.
type ReadyCheck func(ctx context.Context) error

// Backend implements Service over a Dispatcher.
type Backend struct {
	Dispatcher *dispatcher.Dispatcher
	// Scheduler receives async triggers. When nil they run in a goroutine.
	Scheduler *dispatcher.Scheduler
	Prober    *probe.Prober
	Checks    []ReadyCheck
}

var errNoProber = errors.New("connectivity probe is not configured")

func (b *Backend) CreateModel(ctx context.Context, n store.NewModel) (store.ManagedModel, error) {
	return b.Dispatcher.Create(ctx, n)
}

func (b *Backend) GetModel(ctx context.Context, id int64) (store.ManagedModel, error) {
	return b.Dispatcher.Get(ctx, id)
}

func (b *Backend) ListModels(ctx context.Context, statuses ...store.Status) ([]store.ManagedModel, error) {
	return b.Dispatcher.List(ctx, statuses...)
}

func (b *Backend) SetStatus(ctx context.Context, id int64, to store.Status) (store.ManagedModel, error) {
	return b.Dispatcher.SetStatus(ctx, id, to)
}

func (b *Backend) DeleteModel(ctx context.Context, id int64) error {
	return b.Dispatcher.Delete(ctx, id)
}

func (b *Backend) Activate(ctx context.Context, id int64) (dispatcher.ActivationResult, error) {
	return b.Dispatcher.Activate(ctx, id)
}

func (b *Backend) RunCycle(ctx context.Context) (dispatcher.CycleReport, error) {
	return b.Dispatcher.RunCycle(ctx)
}

func (b *Backend) TriggerCycle() bool {
	if b.Scheduler != nil {
		return b.Scheduler.TriggerAsync()
	}
	go func() { _, _ = b.Dispatcher.RunCycle(serverBaseCtx) }()
	return true
}

func (b *Backend) Status(ctx context.Context) (dispatcher.StatusReport, error) {
	return b.Dispatcher.Status(ctx)
}

func (b *Backend) TestConnectivity(ctx context.Context, req probe.Request) (probe.Result, error) {
	if b.Prober == nil {
		return probe.Result{}, errNoProber
	}
	return b.Prober.Test(ctx, req)
}

func (b *Backend) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for _, check := range b.Checks {
		if err := check(ctx); err != nil {
			if zlog != nil {
				zlog.Warn().Err(err).Msg("readiness check failed")
			}
			return false
		}
	}
	return true
}
