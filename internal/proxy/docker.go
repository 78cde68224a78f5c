package proxy

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// CommandRunner runs an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// DockerRuntime runs each tunnel as a container of a reverse proxy image on
// the network shared with the routing layer. The container is addressed by
// its name, which is the handle.
type DockerRuntime struct {
	Image   string
	Network string
	Run     CommandRunner
	log     zerolog.Logger
}

func NewDockerRuntime(image, network string, logger *zerolog.Logger) *DockerRuntime {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "proxy_docker").Logger()
	}
	return &DockerRuntime{Image: image, Network: network, Run: execRunner, log: l}
}

func (r *DockerRuntime) Name() string { return "docker" }

func (r *DockerRuntime) Start(ctx context.Context, spec Spec) error {
	port := strconv.Itoa(spec.Port)
	args := []string{"run", "-d",
		"--name", spec.Handle,
		"--publish", port + ":" + port,
		"--restart", "always",
		"-e", "PORT=" + port,
		"-e", "TARGET_URL=" + spec.Target,
		"-e", "SOCKS_PROXY=" + spec.Socks,
	}
	if r.Network != "" {
		args = append(args, "--network", r.Network)
	}
	args = append(args, r.Image)
	out, err := r.run(ctx, args...)
	if err != nil {
		return fmt.Errorf("docker run %s: %w: %s", spec.Handle, err, strings.TrimSpace(string(out)))
	}
	r.log.Info().Str("handle", spec.Handle).Str("container", strings.TrimSpace(string(out))).Msg("container started")
	return nil
}

func (r *DockerRuntime) Stop(ctx context.Context, handle string) error {
	out, err := r.run(ctx, "rm", "-f", handle)
	if err != nil {
		if strings.Contains(string(out), "No such container") {
			return ErrNotFound
		}
		return fmt.Errorf("docker rm %s: %w: %s", handle, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (r *DockerRuntime) Alive(ctx context.Context, handle string) (bool, error) {
	out, err := r.run(ctx, "inspect", "-f", "{{.State.Running}}", handle)
	if err != nil {
		if strings.Contains(string(out), "No such object") || strings.Contains(string(out), "No such container") {
			return false, nil
		}
		return false, fmt.Errorf("docker inspect %s: %w: %s", handle, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)) == "true", nil
}

func (r *DockerRuntime) run(ctx context.Context, args ...string) ([]byte, error) {
	run := r.Run
	if run == nil {
		run = execRunner
	}
	return run(ctx, "docker", args...)
}
