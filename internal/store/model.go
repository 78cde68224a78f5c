package store

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Status is the lifecycle state of a managed model.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusExhausted Status = "exhausted"
	StatusArchived  Status = "archived"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusActive, StatusExhausted, StatusArchived:
		return true
	}
	return false
}

// Definition is one concrete upstream registration inside a model group.
type Definition struct {
	UpstreamModel      string  `json:"upstream_model" yaml:"upstream_model" toml:"upstream_model"`
	Credential         string  `json:"credential" yaml:"credential" toml:"credential"`
	APIBase            string  `json:"api_base,omitempty" yaml:"api_base,omitempty" toml:"api_base,omitempty"`
	Provider           string  `json:"provider,omitempty" yaml:"provider,omitempty" toml:"provider,omitempty"`
	InputCostPerToken  float64 `json:"input_cost_per_token,omitempty" yaml:"input_cost_per_token,omitempty" toml:"input_cost_per_token,omitempty"`
	OutputCostPerToken float64 `json:"output_cost_per_token,omitempty" yaml:"output_cost_per_token,omitempty" toml:"output_cost_per_token,omitempty"`
}

// ManagedModel is a load-balanced group of upstream registrations sharing one
// lifecycle and one daily quota.
type ManagedModel struct {
	ID                int64
	GroupName         string
	Definitions       []Definition
	ProxyTarget       string
	ProxyHandle       string
	ProxyPort         int
	DailyRequestLimit int64
	// RequestsToday caches the last synced ledger value. Not authoritative.
	RequestsToday int64
	Status        Status
	RoutingIDs    []string
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasProxy reports whether traffic for this model should leave through a tunnel.
func (m ManagedModel) HasProxy() bool { return strings.TrimSpace(m.ProxyTarget) != "" }

// NewModel carries the fields accepted on creation.
type NewModel struct {
	GroupName         string
	Definitions       []Definition
	ProxyTarget       string
	DailyRequestLimit int64
	// CreatedAt defaults to now; imports may preserve an original timestamp.
	CreatedAt time.Time
}

// Validate checks a NewModel before any write.
func (n NewModel) Validate() error {
	if strings.TrimSpace(n.GroupName) == "" {
		return fmt.Errorf("%w: group name is required", ErrInvalidModel)
	}
	if len(n.Definitions) == 0 {
		return fmt.Errorf("%w: at least one definition is required", ErrInvalidModel)
	}
	for i, d := range n.Definitions {
		if strings.TrimSpace(d.UpstreamModel) == "" {
			return fmt.Errorf("%w: definition %d: upstream model is required", ErrInvalidModel, i)
		}
		if strings.TrimSpace(d.Credential) == "" {
			return fmt.Errorf("%w: definition %d: credential is required", ErrInvalidModel, i)
		}
		if d.APIBase != "" {
			if u, err := url.Parse(d.APIBase); err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("%w: definition %d: api base %q is not an absolute URL", ErrInvalidModel, i, d.APIBase)
			}
		}
	}
	if n.DailyRequestLimit <= 0 {
		return fmt.Errorf("%w: daily request limit must be > 0", ErrInvalidModel)
	}
	if p := strings.TrimSpace(n.ProxyTarget); p != "" {
		scheme, _, ok := strings.Cut(p, "://")
		if !ok {
			return fmt.Errorf("%w: proxy target %q has no scheme", ErrInvalidModel, p)
		}
		switch strings.ToLower(scheme) {
		case "socks5", "socks5h":
		default:
			return fmt.Errorf("%w: proxy target scheme %q is not socks5", ErrInvalidModel, scheme)
		}
		if n.Definitions[0].APIBase == "" {
			return fmt.Errorf("%w: first definition must set api base for proxy routing", ErrInvalidModel)
		}
	}
	return nil
}
