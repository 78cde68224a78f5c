// Package alert delivers operator alerts to a chat webhook.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Notifier sends one text alert.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop drops every alert.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

// Webhook posts {"text": ...} to a Slack-compatible incoming webhook.
type Webhook struct {
	url     string
	http    *http.Client
	timeout time.Duration
	log     zerolog.Logger
}

func NewWebhook(url string, timeout time.Duration, logger *zerolog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "alert").Logger()
	}
	return &Webhook{url: url, http: &http.Client{}, timeout: timeout, log: l}
}

func (w *Webhook) Notify(ctx context.Context, text string) error {
	body, _ := json.Marshal(map[string]string{"text": text})
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send alert: webhook returned %s", resp.Status)
	}
	w.log.Debug().Msg("alert delivered")
	return nil
}

// Throttled forwards at most one alert per interval; the rest are dropped.
// A zero interval forwards everything.
type Throttled struct {
	next     Notifier
	interval time.Duration
	mu       sync.Mutex
	gate     *rate.Sometimes
}

func NewThrottled(next Notifier, interval time.Duration) *Throttled {
	t := &Throttled{next: next, interval: interval}
	t.gate = t.newGate()
	return t
}

func (t *Throttled) newGate() *rate.Sometimes {
	if t.interval <= 0 {
		return nil
	}
	return &rate.Sometimes{First: 1, Interval: t.interval}
}

// Notify returns ErrSuppressed when the alert was dropped.
func (t *Throttled) Notify(ctx context.Context, text string) error {
	t.mu.Lock()
	gate := t.gate
	t.mu.Unlock()
	if gate == nil {
		return t.next.Notify(ctx, text)
	}
	sent := false
	var err error
	gate.Do(func() {
		sent = true
		err = t.next.Notify(ctx, text)
	})
	if !sent {
		return ErrSuppressed
	}
	if err != nil {
		// A failed delivery must not hold the window shut.
		t.Reset()
	}
	return err
}

// Reset reopens the window so the next alert goes through.
func (t *Throttled) Reset() {
	t.mu.Lock()
	t.gate = t.newGate()
	t.mu.Unlock()
}

// ErrSuppressed reports an alert dropped by the suppression window.
var ErrSuppressed = errors.New("alert suppressed")
