// Package routing talks to the routing layer (a LiteLLM proxy): its admin API
// for registering model routes and its spend log for usage.
package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Deregister when the route is already gone.
var ErrNotFound = errors.New("route not found")

// APIError is a non-2xx answer from the routing layer.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: routing layer returned %d: %s", e.Op, e.Status, e.Message)
}

// Router is the routing layer surface used by the dispatcher.
type Router interface {
	Register(ctx context.Context, reg Registration) (string, error)
	Deregister(ctx context.Context, id string) error
	FlushCache(ctx context.Context) error
}

// Registration is one model route.
type Registration struct {
	// ID is the route id requested from the routing layer.
	ID string
	// ModelName is the public name clients call; routes sharing it are
	// load-balanced.
	ModelName          string
	UpstreamModel      string
	APIKey             string
	APIBase            string
	Provider           string
	InputCostPerToken  float64
	OutputCostPerToken float64
}

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// RouteID derives the route id of one definition of a model group.
func RouteID(groupID int64, upstreamModel string) string {
	return fmt.Sprintf("managed_group_%d_%s", groupID, unsafeIDChars.ReplaceAllString(upstreamModel, "_"))
}

// Client is an HTTP client for the LiteLLM admin API.
type Client struct {
	baseURL   string
	masterKey string
	timeout   time.Duration
	http      *http.Client
	log       zerolog.Logger
}

// NewClient builds a Client. Each call is bounded by timeout.
func NewClient(baseURL, masterKey string, timeout time.Duration, logger *zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "routing").Logger()
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		masterKey: masterKey,
		timeout:   timeout,
		// Timeout stays 0: every call carries a context deadline.
		http: &http.Client{},
		log:  l,
	}
}

type newModelRequest struct {
	ModelName     string        `json:"model_name"`
	LiteLLMParams liteLLMParams `json:"litellm_params"`
	ModelInfo     modelInfo     `json:"model_info"`
}

type liteLLMParams struct {
	Model              string  `json:"model"`
	APIKey             string  `json:"api_key"`
	APIBase            string  `json:"api_base,omitempty"`
	InputCostPerToken  float64 `json:"input_cost_per_token,omitempty"`
	OutputCostPerToken float64 `json:"output_cost_per_token,omitempty"`
	CustomLLMProvider  string  `json:"custom_llm_provider,omitempty"`
}

type modelInfo struct {
	ID        string `json:"id"`
	BaseModel string `json:"base_model,omitempty"`
}

type newModelResponse struct {
	Data struct {
		ModelInfo struct {
			ID string `json:"id"`
		} `json:"model_info"`
	} `json:"data"`
}

// Register adds a route and returns the id the routing layer assigned.
func (c *Client) Register(ctx context.Context, reg Registration) (string, error) {
	provider := reg.Provider
	if provider == "" {
		provider = "custom_openai"
	}
	body := newModelRequest{
		ModelName: reg.ModelName,
		LiteLLMParams: liteLLMParams{
			Model:              reg.UpstreamModel,
			APIKey:             reg.APIKey,
			APIBase:            reg.APIBase,
			InputCostPerToken:  reg.InputCostPerToken,
			OutputCostPerToken: reg.OutputCostPerToken,
			CustomLLMProvider:  provider,
		},
		ModelInfo: modelInfo{ID: reg.ID, BaseModel: reg.ModelName},
	}
	var out newModelResponse
	if err := c.post(ctx, "register", "/model/new", body, &out); err != nil {
		return "", err
	}
	id := out.Data.ModelInfo.ID
	if id == "" {
		id = reg.ID
	}
	c.log.Debug().Str("route_id", id).Str("model", reg.ModelName).Str("api_base", reg.APIBase).Msg("route registered")
	return id, nil
}

// Deregister removes a route. A route that does not exist yields ErrNotFound.
func (c *Client) Deregister(ctx context.Context, id string) error {
	err := c.post(ctx, "deregister", "/model/delete", map[string]string{"id": id}, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusNotFound || strings.Contains(strings.ToLower(apiErr.Message), "not found") {
			return ErrNotFound
		}
	}
	return err
}

// FlushCache drops the routing layer's response cache so route changes apply at once.
func (c *Client) FlushCache(ctx context.Context) error {
	return c.post(ctx, "flush cache", "/cache/redis/flushall", struct{}{}, nil)
}

// Ping checks that the admin API answers.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health/liveliness", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping routing layer: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return &APIError{Op: "ping", Status: resp.StatusCode, Message: resp.Status}
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.masterKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.masterKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Op: op, Status: resp.StatusCode, Message: errorMessage(b)}
	}
	if out != nil && len(b) > 0 {
		if err := json.Unmarshal(b, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return nil
}

// errorMessage extracts error.message or detail from a LiteLLM error body.
func errorMessage(b []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(b, &body) == nil {
		if body.Error.Message != "" {
			return body.Error.Message
		}
		if len(body.Detail) > 0 {
			var s string
			if json.Unmarshal(body.Detail, &s) == nil {
				return s
			}
			return string(body.Detail)
		}
	}
	msg := strings.TrimSpace(string(b))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
