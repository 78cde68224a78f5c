package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // dispatch.timezone must resolve on hosts without zoneinfo

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from strings such as "90s" in
// every supported config format.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config holds runtime parameters for the service.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	DBPath    string `json:"db_path" yaml:"db_path" toml:"db_path"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	HTTP     HTTPConfig     `json:"http" yaml:"http" toml:"http"`
	Dispatch DispatchConfig `json:"dispatch" yaml:"dispatch" toml:"dispatch"`
	Routing  RoutingConfig  `json:"routing" yaml:"routing" toml:"routing"`
	Proxy    ProxyConfig    `json:"proxy" yaml:"proxy" toml:"proxy"`
	Probe    ProbeConfig    `json:"probe" yaml:"probe" toml:"probe"`
	Alert    AlertConfig    `json:"alert" yaml:"alert" toml:"alert"`
}

// HTTPConfig controls the admin HTTP surface.
type HTTPConfig struct {
	AdminToken   string     `json:"admin_token" yaml:"admin_token" toml:"admin_token"`
	MaxBodyBytes int64      `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	CORS         CORSConfig `json:"cors" yaml:"cors" toml:"cors"`
}

// CORSConfig is opt-in; nothing is mounted when Enabled is false.
type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// DispatchConfig tunes the admission-control loop.
type DispatchConfig struct {
	MaxActive             int      `json:"max_active" yaml:"max_active" toml:"max_active"`
	Interval              Duration `json:"interval" yaml:"interval" toml:"interval"`
	AlertThreshold        int      `json:"alert_threshold" yaml:"alert_threshold" toml:"alert_threshold"`
	Timezone              string   `json:"timezone" yaml:"timezone" toml:"timezone"`
	ReclaimProxyOnExhaust bool     `json:"reclaim_proxy_on_exhaust" yaml:"reclaim_proxy_on_exhaust" toml:"reclaim_proxy_on_exhaust"`
	EnforceCapOnActivate  bool     `json:"enforce_cap_on_activate" yaml:"enforce_cap_on_activate" toml:"enforce_cap_on_activate"`
	RequeueOnReset        bool     `json:"requeue_on_reset" yaml:"requeue_on_reset" toml:"requeue_on_reset"`
	CycleTimeout          Duration `json:"cycle_timeout" yaml:"cycle_timeout" toml:"cycle_timeout"`
	// Cross-instance lock. Empty RedisAddr keeps serialization in-process only.
	RedisAddr     string   `json:"redis_addr" yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string   `json:"redis_password" yaml:"redis_password" toml:"redis_password"`
	RedisDB       int      `json:"redis_db" yaml:"redis_db" toml:"redis_db"`
	LockKey       string   `json:"lock_key" yaml:"lock_key" toml:"lock_key"`
	LockTTL       Duration `json:"lock_ttl" yaml:"lock_ttl" toml:"lock_ttl"`
}

// RoutingConfig points at the routing layer admin API and its usage ledger.
type RoutingConfig struct {
	BaseURL   string   `json:"base_url" yaml:"base_url" toml:"base_url"`
	MasterKey string   `json:"master_key" yaml:"master_key" toml:"master_key"`
	Timeout   Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	LedgerDSN string   `json:"ledger_dsn" yaml:"ledger_dsn" toml:"ledger_dsn"`
}

// ProxyConfig selects and tunes the tunnel runtime.
type ProxyConfig struct {
	Runtime       string   `json:"runtime" yaml:"runtime" toml:"runtime"` // process|docker|none
	Prefix        string   `json:"prefix" yaml:"prefix" toml:"prefix"`
	PortStart     int      `json:"port_start" yaml:"port_start" toml:"port_start"`
	PortEnd       int      `json:"port_end" yaml:"port_end" toml:"port_end"`
	InternalHost  string   `json:"internal_host" yaml:"internal_host" toml:"internal_host"`
	ExternalHost  string   `json:"external_host" yaml:"external_host" toml:"external_host"`
	StateDir      string   `json:"state_dir" yaml:"state_dir" toml:"state_dir"`
	TunnelBin     string   `json:"tunnel_bin" yaml:"tunnel_bin" toml:"tunnel_bin"`
	DockerImage   string   `json:"docker_image" yaml:"docker_image" toml:"docker_image"`
	DockerNetwork string   `json:"docker_network" yaml:"docker_network" toml:"docker_network"`
	ReadyTimeout  Duration `json:"ready_timeout" yaml:"ready_timeout" toml:"ready_timeout"`
}

// ProbeConfig tunes the connectivity probe.
type ProbeConfig struct {
	Timeout        Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	Warmup         Duration `json:"warmup" yaml:"warmup" toml:"warmup"`
	DefaultModel   string   `json:"default_model" yaml:"default_model" toml:"default_model"`
	DefaultAPIBase string   `json:"default_api_base" yaml:"default_api_base" toml:"default_api_base"`
}

// AlertConfig configures the low-pool webhook.
type AlertConfig struct {
	WebhookURL  string   `json:"webhook_url" yaml:"webhook_url" toml:"webhook_url"`
	MinInterval Duration `json:"min_interval" yaml:"min_interval" toml:"min_interval"`
}

// Default returns a Config with the production defaults.
func Default() Config {
	return Config{
		Addr:      ":8080",
		DBPath:    "dispatchd.db",
		LogLevel:  "info",
		LogFormat: "json",
		HTTP:      HTTPConfig{MaxBodyBytes: 1 << 20},
		Dispatch: DispatchConfig{
			MaxActive:             4,
			Interval:              Duration(60 * time.Second),
			CycleTimeout:          Duration(2 * time.Minute),
			AlertThreshold:        3,
			Timezone:              "America/Los_Angeles",
			ReclaimProxyOnExhaust: true,
			LockKey:               "dispatchd:cycle",
			LockTTL:               Duration(5 * time.Minute),
		},
		Routing: RoutingConfig{
			BaseURL: "http://127.0.0.1:4000",
			Timeout: Duration(15 * time.Second),
		},
		Proxy: ProxyConfig{
			Runtime:       "process",
			Prefix:        "socks_proxy",
			PortStart:     18090,
			PortEnd:       18999,
			InternalHost:  "127.0.0.1",
			ExternalHost:  "127.0.0.1",
			StateDir:      "~/.dispatchd/run",
			DockerImage:   "socks-reverse-proxy",
			DockerNetwork: "litellm_default",
			ReadyTimeout:  Duration(10 * time.Second),
		},
		Probe: ProbeConfig{
			Timeout:        Duration(10 * time.Second),
			Warmup:         Duration(2 * time.Second),
			DefaultModel:   "gpt-3.5-turbo",
			DefaultAPIBase: "https://api.openai.com/v1",
		},
		Alert: AlertConfig{MinInterval: Duration(30 * time.Minute)},
	}
}

// Load reads a configuration file based on its extension and overlays it on
// Default(). Environment variables in the file are expanded first.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	b = []byte(os.ExpandEnv(string(b)))
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides selected fields from the environment. Secrets are
// usually injected this way rather than written to the config file.
func ApplyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Addr, "DISPATCHD_ADDR")
	set(&cfg.DBPath, "DISPATCHD_DB")
	set(&cfg.LogLevel, "DISPATCHD_LOG_LEVEL")
	set(&cfg.HTTP.AdminToken, "DISPATCHD_ADMIN_TOKEN")
	set(&cfg.Routing.BaseURL, "LITELLM_URL")
	set(&cfg.Routing.MasterKey, "LITELLM_MASTER_KEY")
	set(&cfg.Routing.LedgerDSN, "DATABASE_URL")
	set(&cfg.Alert.WebhookURL, "SLACK_WEBHOOK_URL")
	set(&cfg.Dispatch.RedisAddr, "DISPATCHD_REDIS_ADDR")
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Dispatch.MaxActive <= 0 {
		return fmt.Errorf("dispatch.max_active must be > 0")
	}
	if c.Dispatch.Interval.Std() <= 0 {
		return fmt.Errorf("dispatch.interval must be > 0")
	}
	if c.Dispatch.CycleTimeout.Std() < 0 {
		return fmt.Errorf("dispatch.cycle_timeout must be >= 0")
	}
	if c.Dispatch.AlertThreshold < 0 {
		return fmt.Errorf("dispatch.alert_threshold must be >= 0")
	}
	if _, err := time.LoadLocation(c.Dispatch.Timezone); err != nil {
		return fmt.Errorf("dispatch.timezone: %w", err)
	}
	switch c.Proxy.Runtime {
	case "process", "docker", "none":
	default:
		return fmt.Errorf("proxy.runtime must be process, docker or none (got %q)", c.Proxy.Runtime)
	}
	if c.Proxy.Runtime != "none" {
		if c.Proxy.PortStart <= 0 || c.Proxy.PortEnd < c.Proxy.PortStart || c.Proxy.PortEnd > 65535 {
			return fmt.Errorf("proxy port range %d-%d is invalid", c.Proxy.PortStart, c.Proxy.PortEnd)
		}
	}
	if strings.TrimSpace(c.Routing.BaseURL) == "" {
		return fmt.Errorf("routing.base_url is required")
	}
	return nil
}
