package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"dispatchd/internal/config"
	"dispatchd/internal/proxy"
	"dispatchd/internal/store"
)

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b , c ", []string{"a", "b", "c"}},
		{"a,,c", []string{"a", "c"}},
		{"", nil},
	}
	for _, c := range cases {
		got := splitCSV(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
			}
		}
	}
}

func TestParseStatuses(t *testing.T) {
	got, err := parseStatuses("Active, queued")
	if err != nil || len(got) != 2 || got[0] != store.StatusActive || got[1] != store.StatusQueued {
		t.Fatalf("got %v, %v", got, err)
	}
	if _, err := parseStatuses("paused"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("DISPATCHD_ADDR", ":9999")
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.Dispatch.MaxActive != 4 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(p, []byte("dispatch:\n  max_active: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(p); err == nil || !strings.Contains(err.Error(), "max_active") {
		t.Fatalf("err = %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.LogLevel = "warn"
	l := newLogger(cfg, &buf)
	l.Info().Msg("hidden")
	l.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"service":"dispatchd"`) {
		t.Fatalf("log = %q", buf.String())
	}
	cfg.LogLevel = "nonsense"
	if newLogger(cfg, &buf).GetLevel() != zerolog.InfoLevel {
		t.Fatal("unknown level should fall back to info")
	}
}

func TestNewRuntime(t *testing.T) {
	pc := config.Default().Proxy
	pc.StateDir = filepath.Join(t.TempDir(), "run")
	rt, host, err := newRuntime(pc, zerolog.Nop())
	if err != nil || rt.Name() != "process" || host != "127.0.0.1" {
		t.Fatalf("process: %v %q %v", rt, host, err)
	}
	if _, err := os.Stat(pc.StateDir); err != nil {
		t.Fatalf("state dir not created: %v", err)
	}

	pc.Runtime = "docker"
	rt, host, err = newRuntime(pc, zerolog.Nop())
	if err != nil || rt.Name() != "docker" || host != "" {
		t.Fatalf("docker: %v %q %v", rt, host, err)
	}

	pc.Runtime = "none"
	rt, _, err = newRuntime(pc, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := rt.(proxy.NoopRuntime); !ok {
		t.Fatalf("none: %T", rt)
	}
}

func TestNewAppRequiresLedger(t *testing.T) {
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "d.db")
	if _, err := newApp(cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error without ledger dsn")
	}
}

func TestModelsImportAndList(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "dispatchd.yaml")
	db := filepath.Join(dir, "data", "d.db")
	if err := os.WriteFile(cfgPath, []byte("db_path: "+db+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	seed := filepath.Join(dir, "seed.json")
	if err := os.WriteFile(seed, []byte(`{"models":[{"group":"flash","daily_request_limit":5,"definitions":[{"upstream_model":"gemini/flash","credential":"k"}]}]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		root := newRootCmd()
		root.SetOut(&out)
		root.SetArgs(append([]string{"--config", cfgPath}, args...))
		if err := root.Execute(); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return out.String()
	}

	if out := run("models", "import", seed); !strings.Contains(out, "imported 1, skipped 0") {
		t.Fatalf("import: %q", out)
	}
	if out := run("models", "import", "--skip-existing", seed); !strings.Contains(out, "imported 0, skipped 1") {
		t.Fatalf("reimport: %q", out)
	}
	out := run("models", "list", "--status", "queued")
	if !strings.Contains(out, "flash") || !strings.Contains(out, "queued") {
		t.Fatalf("list: %q", out)
	}
}
