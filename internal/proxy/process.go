package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// SocksEnv carries the SOCKS URL to a tunnel child so credentials stay out
// of the process list.
const SocksEnv = "DISPATCHD_TUNNEL_SOCKS"

// ProcessRuntime runs each tunnel as a child process of this binary
// ("dispatchd tunnel"). A pid file per handle lets Stop find tunnels started
// by a previous run of the service. Tunnels run in their own process group
// and log to <handle>.log under StateDir, so they outlive the process that
// spawned them.
type ProcessRuntime struct {
	// Bin is the executable to launch. Defaults to the running binary.
	Bin string
	// Args builds the command line. Defaults to the tunnel subcommand.
	Args         func(listen string, spec Spec) []string
	Host         string
	StateDir     string
	ReadyTimeout time.Duration
	StopTimeout  time.Duration

	mu    sync.Mutex
	procs map[string]*procInfo
	log   zerolog.Logger
}

type procInfo struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// NewProcessRuntime returns a ProcessRuntime with defaults applied.
func NewProcessRuntime(bin, host, stateDir string, readyTimeout time.Duration, logger *zerolog.Logger) *ProcessRuntime {
	if host == "" {
		host = "127.0.0.1"
	}
	if readyTimeout <= 0 {
		readyTimeout = 10 * time.Second
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "proxy_process").Logger()
	}
	return &ProcessRuntime{
		Bin:          bin,
		Host:         host,
		StateDir:     stateDir,
		ReadyTimeout: readyTimeout,
		StopTimeout:  2 * time.Second,
		procs:        map[string]*procInfo{},
		log:          l,
	}
}

func (r *ProcessRuntime) Name() string { return "process" }

func defaultTunnelArgs(listen string, spec Spec) []string {
	return []string{"tunnel", "--listen", listen, "--target", spec.Target}
}

func (r *ProcessRuntime) Start(ctx context.Context, spec Spec) error {
	bin := r.Bin
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve tunnel binary: %w", err)
		}
		bin = self
	}
	argsFn := r.Args
	if argsFn == nil {
		argsFn = defaultTunnelArgs
	}
	addr := net.JoinHostPort(r.Host, strconv.Itoa(spec.Port))

	// Not CommandContext: the tunnel outlives the request that started it.
	cmd := exec.Command(bin, argsFn(addr, spec)...)
	cmd.Env = append(os.Environ(), SocksEnv+"="+spec.Socks)
	detachProcess(cmd)
	logFile, err := r.openLog(spec.Handle)
	if err != nil {
		return fmt.Errorf("open tunnel log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	err = cmd.Start()
	_ = logFile.Close()
	if err != nil {
		return fmt.Errorf("start tunnel: %w", err)
	}
	p := &procInfo{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	r.mu.Lock()
	if r.procs == nil {
		r.procs = map[string]*procInfo{}
	}
	r.procs[spec.Handle] = p
	r.mu.Unlock()
	if err := r.writePid(spec.Handle, cmd.Process.Pid); err != nil {
		r.log.Warn().Err(err).Str("handle", spec.Handle).Msg("write pid file failed")
	}
	r.log.Info().Str("handle", spec.Handle).Int("pid", cmd.Process.Pid).Str("addr", addr).Msg("tunnel started")

	deadline := time.Now().Add(r.ReadyTimeout)
	for {
		select {
		case <-p.done:
			r.forget(spec.Handle)
			return fmt.Errorf("tunnel exited before ready: %v; log tail: %s", p.err, r.logTail(spec.Handle, 4096))
		case <-ctx.Done():
			_ = r.Stop(context.Background(), spec.Handle)
			return ctx.Err()
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			_ = r.Stop(context.Background(), spec.Handle)
			return fmt.Errorf("tunnel not ready in time on %s", addr)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (r *ProcessRuntime) Stop(_ context.Context, handle string) error {
	r.mu.Lock()
	p := r.procs[handle]
	r.mu.Unlock()
	if p != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
		case <-time.After(r.stopTimeout()):
			_ = p.cmd.Process.Kill()
			<-p.done
		}
		r.forget(handle)
		return nil
	}

	// Not our child: fall back to the pid file left by an earlier run.
	pid, err := r.readPid(handle)
	if err != nil {
		return ErrNotFound
	}
	defer r.removePid(handle)
	proc, err := os.FindProcess(pid)
	if err != nil || proc.Signal(syscall.Signal(0)) != nil {
		return ErrNotFound
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrNotFound
		}
		return fmt.Errorf("signal tunnel %d: %w", pid, err)
	}
	deadline := time.Now().Add(r.stopTimeout())
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = proc.Kill()
	return nil
}

// Alive reports whether the tunnel under handle is running, whether it is our
// child or was started by an earlier run.
func (r *ProcessRuntime) Alive(_ context.Context, handle string) (bool, error) {
	r.mu.Lock()
	p := r.procs[handle]
	r.mu.Unlock()
	if p != nil {
		select {
		case <-p.done:
			return false, nil
		default:
			return true, nil
		}
	}
	pid, err := r.readPid(handle)
	if err != nil {
		return false, nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}
	return proc.Signal(syscall.Signal(0)) == nil, nil
}

func (r *ProcessRuntime) stopTimeout() time.Duration {
	if r.StopTimeout <= 0 {
		return 2 * time.Second
	}
	return r.StopTimeout
}

func (r *ProcessRuntime) forget(handle string) {
	r.mu.Lock()
	delete(r.procs, handle)
	r.mu.Unlock()
	r.removePid(handle)
}

func (r *ProcessRuntime) pidPath(handle string) string {
	return filepath.Join(r.StateDir, handle+".pid")
}

// LogPath returns the log file of the tunnel under handle. Empty when no
// StateDir is configured.
func (r *ProcessRuntime) LogPath(handle string) string {
	if r.StateDir == "" {
		return ""
	}
	return filepath.Join(r.StateDir, handle+".log")
}

func (r *ProcessRuntime) openLog(handle string) (*os.File, error) {
	path := r.LogPath(handle)
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(r.StateDir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
}

func (r *ProcessRuntime) logTail(handle string, max int) string {
	path := r.LogPath(handle)
	if path == "" {
		return ""
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(b) > max {
		b = b[len(b)-max:]
	}
	return strings.TrimSpace(string(b))
}

func (r *ProcessRuntime) writePid(handle string, pid int) error {
	if r.StateDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.StateDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(r.pidPath(handle), []byte(strconv.Itoa(pid)), 0o644)
}

func (r *ProcessRuntime) readPid(handle string) (int, error) {
	if r.StateDir == "" {
		return 0, os.ErrNotExist
	}
	b, err := os.ReadFile(r.pidPath(handle))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

func (r *ProcessRuntime) removePid(handle string) {
	if r.StateDir == "" {
		return
	}
	_ = os.Remove(r.pidPath(handle))
}
