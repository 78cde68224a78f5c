package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"dispatchd/internal/alert"
	"dispatchd/internal/common/fsutil"
	"dispatchd/internal/config"
	"dispatchd/internal/dispatcher"
	"dispatchd/internal/httpapi"
	"dispatchd/internal/probe"
	"dispatchd/internal/proxy"
	"dispatchd/internal/routing"
	"dispatchd/internal/store"
)

// loadConfig reads the optional config file, then the environment.
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		p, err := fsutil.ExpandHome(path)
		if err != nil {
			return cfg, err
		}
		if cfg, err = config.Load(p); err != nil {
			return cfg, err
		}
	}
	config.ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(cfg.LogFormat, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "dispatchd").Logger()
}

func openStore(cfg config.Config) (*store.Store, error) {
	p, err := fsutil.EnsureParentDir(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return store.Open(p)
}

// app holds every wired collaborator of a running dispatcher.
type app struct {
	cfg        config.Config
	log        zerolog.Logger
	store      *store.Store
	router     *routing.Client
	ledger     *routing.PGLedger
	redis      *redis.Client
	proxies    *proxy.Manager
	dispatcher *dispatcher.Dispatcher
	scheduler  *dispatcher.Scheduler
	prober     *probe.Prober
}

func newApp(cfg config.Config, log zerolog.Logger) (*app, error) {
	if strings.TrimSpace(cfg.Routing.LedgerDSN) == "" {
		return nil, errors.New("routing.ledger_dsn (or DATABASE_URL) is required")
	}
	a := &app{cfg: cfg, log: log}
	var err error
	if a.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	if a.ledger, err = routing.OpenPGLedger(cfg.Routing.LedgerDSN); err != nil {
		a.Close()
		return nil, err
	}
	a.router = routing.NewClient(cfg.Routing.BaseURL, cfg.Routing.MasterKey, cfg.Routing.Timeout.Std(), &log)

	rt, internalHost, err := newRuntime(cfg.Proxy, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.proxies = proxy.NewManager(proxy.Config{
		Prefix:       cfg.Proxy.Prefix,
		PortStart:    cfg.Proxy.PortStart,
		PortEnd:      cfg.Proxy.PortEnd,
		InternalHost: internalHost,
		ExternalHost: cfg.Proxy.ExternalHost,
	}, rt, a.store, &log)

	var notifier alert.Notifier = alert.Nop{}
	if cfg.Alert.WebhookURL != "" {
		notifier = alert.NewThrottled(alert.NewWebhook(cfg.Alert.WebhookURL, 10*time.Second, &log), cfg.Alert.MinInterval.Std())
	}
	var locker dispatcher.Locker
	if cfg.Dispatch.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Dispatch.RedisAddr,
			Password: cfg.Dispatch.RedisPassword,
			DB:       cfg.Dispatch.RedisDB,
		})
		locker = dispatcher.NewRedisLocker(a.redis, cfg.Dispatch.LockKey, cfg.Dispatch.LockTTL.Std())
	}
	loc, err := time.LoadLocation(cfg.Dispatch.Timezone)
	if err != nil {
		a.Close()
		return nil, err
	}
	threshold := cfg.Dispatch.AlertThreshold
	if threshold == 0 {
		threshold = -1
	}
	a.dispatcher, err = dispatcher.NewWithConfig(dispatcher.Config{
		MaxActive:             cfg.Dispatch.MaxActive,
		AlertThreshold:        threshold,
		Location:              loc,
		ReclaimProxyOnExhaust: cfg.Dispatch.ReclaimProxyOnExhaust,
		EnforceCapOnActivate:  cfg.Dispatch.EnforceCapOnActivate,
		RequeueOnReset:        cfg.Dispatch.RequeueOnReset,
		CycleTimeout:          cfg.Dispatch.CycleTimeout.Std(),
		Store:                 a.store,
		Proxies:               a.proxies,
		Router:                a.router,
		Ledger:                a.ledger,
		Notifier:              notifier,
		Locker:                locker,
		Logger:                &log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.scheduler = dispatcher.NewScheduler(a.dispatcher, cfg.Dispatch.Interval.Std(), &log)
	a.prober = probe.New(probe.Config{
		DefaultAPIBase: cfg.Probe.DefaultAPIBase,
		DefaultModel:   cfg.Probe.DefaultModel,
		Timeout:        cfg.Probe.Timeout.Std(),
		Warmup:         cfg.Probe.Warmup.Std(),
	}, a.proxies, &log)
	return a, nil
}

// newRuntime picks the tunnel runtime. The second value is the host the
// routing layer reaches tunnels on.
func newRuntime(pc config.ProxyConfig, log zerolog.Logger) (proxy.Runtime, string, error) {
	switch pc.Runtime {
	case "process":
		dir, err := fsutil.EnsureDir(pc.StateDir)
		if err != nil {
			return nil, "", err
		}
		return proxy.NewProcessRuntime(pc.TunnelBin, pc.InternalHost, dir, pc.ReadyTimeout.Std(), &log), pc.InternalHost, nil
	case "docker":
		// Containers are reached by name on the shared network.
		return proxy.NewDockerRuntime(pc.DockerImage, pc.DockerNetwork, &log), "", nil
	case "none":
		return proxy.NoopRuntime{}, pc.InternalHost, nil
	}
	return nil, "", fmt.Errorf("unknown proxy runtime %q", pc.Runtime)
}

// backend adapts the app to the HTTP layer.
func (a *app) backend() *httpapi.Backend {
	checks := []httpapi.ReadyCheck{a.store.Ping, a.ledger.Ping, a.router.Ping}
	if a.redis != nil {
		checks = append(checks, func(ctx context.Context) error { return a.redis.Ping(ctx).Err() })
	}
	return &httpapi.Backend{
		Dispatcher: a.dispatcher,
		Scheduler:  a.scheduler,
		Prober:     a.prober,
		Checks:     checks,
	}
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func stderrLogger(cfg config.Config) zerolog.Logger { return newLogger(cfg, os.Stderr) }
