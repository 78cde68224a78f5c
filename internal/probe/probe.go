// Package probe checks that a credential, optionally behind a SOCKS5 tunnel,
// can complete one chat call against an OpenAI-compatible endpoint.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"dispatchd/internal/proxy"
)

const (
	defaultAPIBase = "https://api.openai.com/v1"
	defaultModel   = "gpt-3.5-turbo"
	defaultTimeout = 10 * time.Second
	defaultWarmup  = 2 * time.Second
	excerptLen     = 200
	maxTokens      = 5
)

// ErrCredentialRequired rejects a probe without a credential.
var ErrCredentialRequired = errors.New("credential is required")

// Tunnels starts and stops throwaway tunnels.
type Tunnels interface {
	SpawnEphemeral(ctx context.Context, socksURL, targetBase string) (proxy.Process, error)
	Stop(ctx context.Context, handle string) error
}

// Request describes one probe.
type Request struct {
	Credential string
	ProxyURL   string
	APIBase    string
	Model      string
}

// Result is the outcome of a probe. Message holds the start of the reply on
// success and the reason on failure.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Config tunes a Prober.
type Config struct {
	DefaultAPIBase string
	DefaultModel   string
	// Timeout bounds the completion call.
	Timeout time.Duration
	// Warmup is the pause between spawning a tunnel and using it. Negative
	// disables it.
	Warmup time.Duration
	HTTP   *http.Client
}

// Prober runs connectivity probes.
type Prober struct {
	cfg     Config
	tunnels Tunnels
	http    *http.Client
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New builds a Prober. tunnels may be nil when no probe uses a proxy.
func New(cfg Config, tunnels Tunnels, logger *zerolog.Logger) *Prober {
	if cfg.DefaultAPIBase == "" {
		cfg.DefaultAPIBase = defaultAPIBase
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Warmup == 0 {
		cfg.Warmup = defaultWarmup
	}
	hc := cfg.HTTP
	if hc == nil {
		hc = &http.Client{}
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "probe").Logger()
	}
	return &Prober{cfg: cfg, tunnels: tunnels, http: hc, log: l, sleep: sleepCtx}
}

// Validate rejects a request before any side effect.
func (p *Prober) Validate(req Request) error {
	if strings.TrimSpace(req.Credential) == "" {
		return ErrCredentialRequired
	}
	if strings.TrimSpace(req.ProxyURL) != "" && p.tunnels == nil {
		return errors.New("proxy probes are not available without a tunnel runtime")
	}
	return nil
}

// Test runs one probe. Any tunnel it spawns is stopped before it returns.
func (p *Prober) Test(ctx context.Context, req Request) (Result, error) {
	if err := p.Validate(req); err != nil {
		return Result{}, err
	}
	base := strings.TrimSuffix(strings.TrimSpace(req.APIBase), "/")
	if base == "" {
		base = p.cfg.DefaultAPIBase
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.cfg.DefaultModel
	}
	log := p.log.With().Str("model", model).Bool("proxied", req.ProxyURL != "").Logger()

	if req.ProxyURL != "" {
		proc, err := p.tunnels.SpawnEphemeral(ctx, req.ProxyURL, base)
		if err != nil {
			log.Warn().Err(err).Msg("probe tunnel failed to start")
			return Result{Message: "proxy failed to start: " + err.Error()}, nil
		}
		defer func() {
			// Stop even if the caller gave up.
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := p.tunnels.Stop(sctx, proc.Handle); err != nil {
				log.Error().Err(err).Str("handle", proc.Handle).Msg("stop probe tunnel failed")
			}
		}()
		if err := p.sleep(ctx, p.cfg.Warmup); err != nil {
			return Result{Message: "cancelled while waiting for proxy: " + err.Error()}, nil
		}
		base = proc.ExternalBaseURL
	}

	res := p.call(ctx, completionsURL(base), req.Credential, model)
	log.Info().Bool("success", res.Success).Msg("probe finished")
	return res, nil
}

func (p *Prober) call(ctx context.Context, endpoint, credential, model string) Result {
	body, _ := json.Marshal(map[string]any{
		"model":      model,
		"messages":   []map[string]string{{"role": "user", "content": "hi"}},
		"max_tokens": maxTokens,
	})
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Message: "build request: " + err.Error()}
	}
	hreq.Header.Set("Authorization", "Bearer "+credential)
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := p.http.Do(hreq)
	if err != nil {
		return Result{Message: "request failed: " + err.Error()}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Result{Message: "read response: " + err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Message: fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, excerpt(raw))}
	}
	return Result{Success: true, Message: excerpt(raw)}
}

// completionsURL appends the chat completions path unless base carries it.
func completionsURL(base string) string {
	if strings.Contains(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

// excerpt returns the first characters of a reply, preferring the assistant
// message of a chat completion.
func excerpt(raw []byte) string {
	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	text := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &cc) == nil && len(cc.Choices) > 0 && cc.Choices[0].Message.Content != "" {
		text = cc.Choices[0].Message.Content
	}
	if utf8.RuneCountInString(text) <= excerptLen {
		return text
	}
	return string([]rune(text)[:excerptLen])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
