package dispatcher

// Event is a dispatcher lifecycle event: a name, the model it concerns
// (0 for cycle-wide events) and optional fields.
type Event struct {
	Name    string
	ModelID int64
	Fields  map[string]any
}

// EventPublisher receives events. Implementations should be lightweight and
// non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// Event names.
const (
	EventCycleStart      = "cycle_start"
	EventCycleEnd        = "cycle_end"
	EventCycleAborted    = "cycle_aborted"
	EventModelCreated    = "model_created"
	EventModelExhausted  = "model_exhausted"
	EventModelPromoted   = "model_promoted"
	EventPromotionFailed = "promotion_failed"
	EventProxyDegraded   = "proxy_degraded"
	EventModelDeleted    = "model_deleted"
	EventStatusChanged   = "status_changed"
	EventAlertSent       = "alert_sent"
	EventUsageReset      = "usage_reset"
)
