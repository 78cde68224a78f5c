// Package tunnel implements the reverse proxy that runs inside each tunnel
// process: plain HTTP in, upstream HTTPS out through a SOCKS5 exit.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
)

// DialFunc dials a network address.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Config struct {
	Listen string
	// Target is the upstream origin; the incoming path and query are appended.
	Target string
	// Socks is the exit proxy. Empty dials the target directly.
	Socks string
	// Dial overrides the dialer. Tests only.
	Dial DialFunc
}

// Server forwards every request to the configured target.
type Server struct {
	cfg    Config
	target *url.URL
	rp     *httputil.ReverseProxy
	log    zerolog.Logger
}

// New validates cfg and builds the proxy.
func New(cfg Config, logger *zerolog.Logger) (*Server, error) {
	target, err := url.Parse(cfg.Target)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid target %q", cfg.Target)
	}
	dial := cfg.Dial
	if dial == nil {
		dial, err = socksDialer(cfg.Socks)
		if err != nil {
			return nil, err
		}
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "tunnel").Str("target", target.Host).Logger()
	}
	s := &Server{cfg: cfg, target: target, log: l}

	transport := &http.Transport{
		DialContext:           dial,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 5 * time.Minute,
	}
	s.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler:  s.proxyError,
	}
	return s, nil
}

func socksDialer(raw string) (DialFunc, error) {
	if raw == "" {
		var d net.Dialer
		return d.DialContext, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse socks url: %w", err)
	}
	d, err := proxy.FromURL(u, &net.Dialer{Timeout: 15 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("socks dialer: %w", err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(_ context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.rp.ServeHTTP(w, r)
}

func (s *Server) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Warn().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("upstream request failed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "proxy error: " + err.Error()})
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("listen", s.cfg.Listen).Msg("tunnel listening")
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
