package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PortAllocator hands out durable host ports keyed by owner.
type PortAllocator interface {
	LeasePort(ctx context.Context, owner string, start, end int) (int, error)
	ReleasePort(ctx context.Context, owner string) error
}

// Config controls naming and addressing of tunnels.
type Config struct {
	Prefix    string
	PortStart int
	PortEnd   int
	// InternalHost is the host the routing layer reaches tunnels on. Empty
	// means the handle itself (a container name on a shared network).
	InternalHost string
	// ExternalHost is the host this service reaches tunnels on.
	ExternalHost string
}

// Process is a running tunnel.
type Process struct {
	Handle          string
	Port            int
	InternalBaseURL string
	ExternalBaseURL string
}

// Manager spawns and stops tunnels through a Runtime.
type Manager struct {
	cfg   Config
	rt    Runtime
	ports PortAllocator
	log   zerolog.Logger
}

// NewManager wires a Manager. A nil logger disables logging.
func NewManager(cfg Config, rt Runtime, ports PortAllocator, logger *zerolog.Logger) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = "socks_proxy"
	}
	if cfg.ExternalHost == "" {
		cfg.ExternalHost = "127.0.0.1"
	}
	if rt == nil {
		rt = NoopRuntime{}
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "proxy").Str("runtime", rt.Name()).Logger()
	}
	return &Manager{cfg: cfg, rt: rt, ports: ports, log: l}
}

// Runtime returns the underlying runtime.
func (m *Manager) Runtime() Runtime { return m.rt }

// HandleFor returns the deterministic handle of the durable tunnel of a model.
func (m *Manager) HandleFor(ownerID int64) string {
	return fmt.Sprintf("%s_model_%d", m.cfg.Prefix, ownerID)
}

// Spawn starts the durable tunnel of a model. The handle and port are derived
// from ownerID, so a re-spawn replaces the previous instance in place.
func (m *Manager) Spawn(ctx context.Context, ownerID int64, socksURL, targetBase string) (Process, error) {
	return m.spawn(ctx, m.HandleFor(ownerID), socksURL, targetBase)
}

// SpawnEphemeral starts a throwaway tunnel with a random handle that cannot
// collide with any model tunnel. Callers must Stop it.
func (m *Manager) SpawnEphemeral(ctx context.Context, socksURL, targetBase string) (Process, error) {
	handle := fmt.Sprintf("%s_probe_%s", m.cfg.Prefix, strings.ReplaceAll(uuid.NewString(), "-", ""))
	return m.spawn(ctx, handle, socksURL, targetBase)
}

func (m *Manager) spawn(ctx context.Context, handle, socksURL, targetBase string) (Process, error) {
	socks, err := NormalizeURL(socksURL)
	if err != nil {
		return Process{}, err
	}
	origin, path, err := splitTarget(targetBase)
	if err != nil {
		return Process{}, err
	}
	port, err := m.ports.LeasePort(ctx, handle, m.cfg.PortStart, m.cfg.PortEnd)
	if err != nil {
		return Process{}, fmt.Errorf("lease port for %s: %w", handle, err)
	}

	if err := m.rt.Stop(ctx, handle); err != nil && !errors.Is(err, ErrNotFound) {
		m.log.Warn().Err(err).Str("handle", handle).Msg("stale tunnel stop failed")
	}
	m.log.Info().Str("handle", handle).Int("port", port).Str("target", origin).
		Str("socks", RedactURL(socks)).Msg("spawning tunnel")
	if err := m.rt.Start(ctx, Spec{Handle: handle, Port: port, Target: origin, Socks: socks}); err != nil {
		if rerr := m.ports.ReleasePort(ctx, handle); rerr != nil {
			m.log.Warn().Err(rerr).Str("handle", handle).Msg("release port failed")
		}
		return Process{}, fmt.Errorf("start tunnel %s: %w", handle, err)
	}

	return m.process(handle, port, path), nil
}

// Attach describes the tunnel already running under handle on port. It
// returns ErrNotRunning when the runtime has no live instance for handle.
func (m *Manager) Attach(ctx context.Context, handle string, port int, targetBase string) (Process, error) {
	if handle == "" || port <= 0 {
		return Process{}, fmt.Errorf("attach tunnel: handle and port are required")
	}
	_, path, err := splitTarget(targetBase)
	if err != nil {
		return Process{}, err
	}
	alive, err := m.rt.Alive(ctx, handle)
	if err != nil {
		return Process{}, fmt.Errorf("check tunnel %s: %w", handle, err)
	}
	if !alive {
		return Process{}, fmt.Errorf("attach tunnel %s: %w", handle, ErrNotRunning)
	}
	return m.process(handle, port, path), nil
}

func (m *Manager) process(handle string, port int, path string) Process {
	internal := m.cfg.InternalHost
	if internal == "" {
		internal = handle
	}
	return Process{
		Handle:          handle,
		Port:            port,
		InternalBaseURL: fmt.Sprintf("http://%s:%d%s", internal, port, path),
		ExternalBaseURL: fmt.Sprintf("http://%s:%d%s", m.cfg.ExternalHost, port, path),
	}
}

// Stop terminates a tunnel and releases its port. A handle that is not
// running is not an error.
func (m *Manager) Stop(ctx context.Context, handle string) error {
	if strings.TrimSpace(handle) == "" {
		return nil
	}
	err := m.rt.Stop(ctx, handle)
	switch {
	case errors.Is(err, ErrNotFound):
		m.log.Debug().Str("handle", handle).Msg("tunnel already gone")
	case err != nil:
		return fmt.Errorf("stop tunnel %s: %w", handle, err)
	default:
		m.log.Info().Str("handle", handle).Msg("tunnel stopped")
	}
	if err := m.ports.ReleasePort(ctx, handle); err != nil {
		return fmt.Errorf("release port of %s: %w", handle, err)
	}
	return nil
}
