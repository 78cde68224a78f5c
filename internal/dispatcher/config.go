package dispatcher

import (
	"time"

	"github.com/rs/zerolog"

	"dispatchd/internal/alert"
	"dispatchd/internal/routing"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxActive      = 4
	defaultAlertThreshold = 3
	defaultCycleTimeout   = 2 * time.Minute
)

// Config wires a Dispatcher: tunables first, collaborators after.
type Config struct {
	// MaxActive bounds the active models after every cycle.
	MaxActive int
	// AlertThreshold fires the low-pool alert when active+queued is at or
	// below it. Zero means the default; a negative value disables the alert.
	AlertThreshold int
	// Location is the reference timezone of the daily quota.
	Location *time.Location
	// ReclaimProxyOnExhaust stops a model's tunnel when it is exhausted.
	ReclaimProxyOnExhaust bool
	// EnforceCapOnActivate makes Activate respect MaxActive.
	EnforceCapOnActivate bool
	// RequeueOnReset returns exhausted models to the queue on the daily reset.
	RequeueOnReset bool
	// CycleTimeout bounds one dispatch cycle.
	CycleTimeout time.Duration

	Store     Store
	Proxies   Proxies
	Router    routing.Router
	Ledger    routing.Ledger
	Notifier  alert.Notifier
	Locker    Locker
	Publisher EventPublisher
	Logger    *zerolog.Logger
	// Now overrides the clock. Tests only.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxActive <= 0 {
		c.MaxActive = defaultMaxActive
	}
	if c.AlertThreshold == 0 {
		c.AlertThreshold = defaultAlertThreshold
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = defaultCycleTimeout
	}
	if c.Location == nil {
		if loc, err := time.LoadLocation("America/Los_Angeles"); err == nil {
			c.Location = loc
		} else {
			c.Location = time.UTC
		}
	}
	if c.Notifier == nil {
		c.Notifier = alert.Nop{}
	}
	if c.Locker == nil {
		c.Locker = LocalLocker{}
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
