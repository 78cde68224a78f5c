// Package proxy manages the per-model tunneling processes that carry
// upstream traffic through a SOCKS5 exit.
//
// A Manager owns naming, port leases and URL derivation. Where a tunnel
// actually runs (a child process, a docker container) is a Runtime.
package proxy

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Runtime.Stop when no instance has the handle.
var ErrNotFound = errors.New("proxy not found")

// ErrNotRunning is returned by Manager.Attach when the bound instance is down.
var ErrNotRunning = errors.New("proxy not running")

var errNoPort = errors.New("no free port in range")

// Spec describes one tunnel instance to start.
type Spec struct {
	Handle string
	Port   int
	// Target is the upstream origin (scheme://host[:port]) requests are forwarded to.
	Target string
	// Socks is the normalized SOCKS5 URL, credentials included.
	Socks string
}

// Runtime starts and stops tunnel instances by handle.
type Runtime interface {
	Name() string
	// Start launches the instance and returns once it accepts connections.
	Start(ctx context.Context, spec Spec) error
	// Stop terminates the instance. It returns ErrNotFound when nothing runs
	// under handle.
	Stop(ctx context.Context, handle string) error
	// Alive reports whether an instance runs under handle.
	Alive(ctx context.Context, handle string) (bool, error)
}

// NoopRuntime refuses every start. It is used when tunneling is disabled so
// callers fall back to direct registration.
type NoopRuntime struct{}

func (NoopRuntime) Name() string { return "none" }

func (NoopRuntime) Start(context.Context, Spec) error { return errors.New("proxy runtime disabled") }

func (NoopRuntime) Stop(context.Context, string) error { return ErrNotFound }

func (NoopRuntime) Alive(context.Context, string) (bool, error) { return false, nil }
