package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"dispatchd/internal/alert"
	"dispatchd/internal/proxy"
	"dispatchd/internal/routing"
	"dispatchd/internal/store"
)

// Store is the managed model persistence used by the dispatcher.
type Store interface {
	Create(ctx context.Context, n store.NewModel) (store.ManagedModel, error)
	Get(ctx context.Context, id int64) (store.ManagedModel, error)
	List(ctx context.Context, statuses ...store.Status) ([]store.ManagedModel, error)
	Counts(ctx context.Context) (map[store.Status]int, error)
	CompareAndSetStatus(ctx context.Context, id int64, from, to store.Status) error
	MarkExhausted(ctx context.Context, id int64) error
	Promote(ctx context.Context, id int64, routingIDs []string, maxActive int, from ...store.Status) error
	SetRequestsToday(ctx context.Context, id int64, n int64) error
	ResetRequestsToday(ctx context.Context) (int64, error)
	Requeue(ctx context.Context, from store.Status) (int64, error)
	BindProxy(ctx context.Context, id int64, handle string, port int) error
	UnbindProxy(ctx context.Context, id int64) error
	ClearRouting(ctx context.Context, id int64) error
	RecordError(ctx context.Context, id int64, msg string) error
	Delete(ctx context.Context, id int64) error
}

// Proxies is the proxy lifecycle capability.
type Proxies interface {
	Spawn(ctx context.Context, ownerID int64, socksURL, targetBase string) (proxy.Process, error)
	Attach(ctx context.Context, handle string, port int, targetBase string) (proxy.Process, error)
	Stop(ctx context.Context, handle string) error
}

// Dispatcher runs dispatch cycles and the explicit model operations.
type Dispatcher struct {
	cfg       Config
	store     Store
	proxies   Proxies
	router    routing.Router
	ledger    routing.Ledger
	notifier  alert.Notifier
	locker    Locker
	publisher EventPublisher
	log       zerolog.Logger
	now       func() time.Time

	// opMu serializes every state-changing operation in this process so an
	// explicit activation never registers the same routes as a running cycle.
	opMu    sync.Mutex
	group   singleflight.Group
	running sync.WaitGroup

	mu        sync.RWMutex
	lastCycle *CycleReport
	lastErr   string
}

// NewWithConfig constructs a Dispatcher. Store, Proxies, Router and Ledger
// are required.
func NewWithConfig(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil || cfg.Proxies == nil || cfg.Router == nil || cfg.Ledger == nil {
		return nil, errors.New("dispatcher: store, proxies, router and ledger are required")
	}
	cfg.applyDefaults()
	l := zerolog.Nop()
	if cfg.Logger != nil {
		l = cfg.Logger.With().Str("component", "dispatcher").Logger()
	}
	return &Dispatcher{
		cfg:       cfg,
		store:     cfg.Store,
		proxies:   cfg.Proxies,
		router:    cfg.Router,
		ledger:    cfg.Ledger,
		notifier:  cfg.Notifier,
		locker:    cfg.Locker,
		publisher: cfg.Publisher,
		log:       l,
		now:       cfg.Now,
	}, nil
}

// MaxActive returns the configured capacity.
func (d *Dispatcher) MaxActive() int { return d.cfg.MaxActive }

func (d *Dispatcher) publish(name string, modelID int64, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	d.publisher.Publish(Event{Name: name, ModelID: modelID, Fields: fields})
}

// Create validates and inserts a model in the queued status.
func (d *Dispatcher) Create(ctx context.Context, n store.NewModel) (store.ManagedModel, error) {
	m, err := d.store.Create(ctx, n)
	if err != nil {
		return m, err
	}
	d.log.Info().Int64("model_id", m.ID).Str("group", m.GroupName).Int("definitions", len(m.Definitions)).Msg("model created")
	d.publish(EventModelCreated, m.ID, map[string]any{"group": m.GroupName})
	return m, nil
}

// Get returns one model.
func (d *Dispatcher) Get(ctx context.Context, id int64) (store.ManagedModel, error) {
	return d.store.Get(ctx, id)
}

// List returns models in promotion order, optionally filtered by status.
func (d *Dispatcher) List(ctx context.Context, statuses ...store.Status) ([]store.ManagedModel, error) {
	return d.store.List(ctx, statuses...)
}

// StatusReport summarizes the pool.
type StatusReport struct {
	Counts    map[store.Status]int
	MaxActive int
	LastCycle *CycleReport
	LastError string
}

// Status returns current counts and the outcome of the last cycle.
func (d *Dispatcher) Status(ctx context.Context) (StatusReport, error) {
	counts, err := d.store.Counts(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rep := StatusReport{Counts: counts, MaxActive: d.cfg.MaxActive, LastError: d.lastErr}
	if d.lastCycle != nil {
		c := *d.lastCycle
		rep.LastCycle = &c
	}
	return rep, nil
}

func (d *Dispatcher) recordCycle(rep CycleReport, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.lastErr = err.Error()
		return
	}
	d.lastErr = ""
	d.lastCycle = &rep
}
