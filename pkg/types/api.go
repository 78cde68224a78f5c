package types

import "time"

// CreateModelRequest is the body of POST /models.
type CreateModelRequest struct {
	// example: gemini-flash
	Group       string       `json:"group" example:"gemini-flash"`
	Definitions []Definition `json:"definitions"`
	// Optional SOCKS5 exit. The host:port:user:pass shorthand is accepted.
	// example: socks5h://1.2.3.4:1080:user:pass
	Proxy string `json:"proxy,omitempty" example:"socks5h://1.2.3.4:1080:user:pass"`
	// example: 1500
	DailyRequestLimit int64 `json:"daily_request_limit" example:"1500"`
}

// PatchModelRequest is the body of PATCH /models/{id}.
type PatchModelRequest struct {
	// One of queued, exhausted, archived.
	// example: archived
	Status string `json:"status" example:"archived"`
}

// ModelsResponse wraps GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// ActivateResponse is returned by POST /models/{id}/activate.
type ActivateResponse struct {
	// example: 7
	ModelID int64 `json:"model_id" example:"7"`
	// example: 2
	Registered int `json:"registered" example:"2"`
	// example: 0
	Failed       int      `json:"failed" example:"0"`
	RoutingIDs   []string `json:"routing_ids"`
	ProxyBaseURL string   `json:"proxy_base_url,omitempty"`
	// True when the tunnel failed and routes were registered direct.
	ProxyDegraded bool     `json:"proxy_degraded,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// TestRequest is the body of POST /models/test.
type TestRequest struct {
	// example: sk-...
	APIKey string `json:"api_key" example:"sk-..."`
	// example: socks5h://1.2.3.4:1080:user:pass
	ProxyURL string `json:"proxy_url,omitempty"`
	// example: https://api.openai.com/v1
	APIBase string `json:"api_base,omitempty" example:"https://api.openai.com/v1"`
	// example: gpt-3.5-turbo
	Model string `json:"model,omitempty" example:"gpt-3.5-turbo"`
}

// TestResponse reports a connectivity probe.
type TestResponse struct {
	// example: true
	Success bool `json:"success" example:"true"`
	// example: PONG
	Message string `json:"message" example:"PONG"`
}

// CycleResponse reports one dispatch cycle.
type CycleResponse struct {
	StartedAt  time.Time         `json:"started_at"`
	DurationMS int64             `json:"duration_ms"`
	Usage      map[string]int64  `json:"usage"`
	Exhausted  []int64           `json:"exhausted"`
	Promoted   []int64           `json:"promoted"`
	Failures   map[string]string `json:"failures,omitempty"`
	Counts     map[string]int    `json:"counts"`
	Alerted    bool              `json:"alerted"`
}

// AcceptedResponse is returned when a cycle was queued.
type AcceptedResponse struct {
	// example: true
	Queued bool `json:"queued" example:"true"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Counts    map[string]int `json:"counts"`
	MaxActive int            `json:"max_active"`
	LastCycle *CycleResponse `json:"last_cycle,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
	UptimeSeconds  int64 `json:"uptime_seconds"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// example: all registrations failed for model 7
	Error string `json:"error" example:"all registrations failed for model 7"`
	// HTTP status code.
	// example: 502
	Code int `json:"code" example:"502"`
	// One of configuration, registration, resource, ledger, not_found,
	// conflict, busy, internal.
	// example: registration
	Kind    string   `json:"kind" example:"registration"`
	Details []string `json:"details,omitempty"`
}
