package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scanlist.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
  rate_limit_max: 30
delivery:
  workers: 2
  timeout: 3s
time_zone: UTC
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("expected addr :9090, got %q", cfg.Server.Addr)
	}
	if cfg.Delivery.Timeout.Std() != 3*time.Second {
		t.Fatalf("expected 3s timeout, got %s", cfg.Delivery.Timeout.Std())
	}
	if cfg.Delivery.MaxDelay.Std() != 5*time.Second {
		t.Fatalf("expected default max delay, got %s", cfg.Delivery.MaxDelay.Std())
	}
	if cfg.Server.RateLimitWindow.Std() != time.Minute {
		t.Fatalf("expected default rate limit window, got %s", cfg.Server.RateLimitWindow.Std())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	loc, _ := cfg.Location()
	if loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "server:\n  port: 8080\n",
		"bad duration":     "delivery:\n  timeout: soon\n",
		"negative workers": "delivery:\n  workers: -1\n",
		"bad profile":      "storage:\n  profile: cloud\n",
		"bad log level":    "log:\n  level: loud\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestParseEmptyDocumentUsesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Delivery.Workers != 1 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestValidateRequiresListForInbox(t *testing.T) {
	cfg := Default()
	cfg.Capture.InboxDir = t.TempDir()
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	cfg.Capture.ListID = "list_1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsUnknownTimeZone(t *testing.T) {
	cfg := Default()
	cfg.TimeZone = "Mars/Olympus_Mons"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestStorageDSNsFromProfile(t *testing.T) {
	cfg := Default()
	cfg.Storage.Profile = "durable-local"
	cfg.Storage.DataDir = "/var/lib/scanlist"
	state, queue, err := cfg.StorageDSNs()
	if err != nil {
		t.Fatalf("storage dsns failed: %v", err)
	}
	if state != "file:///var/lib/scanlist/state.json" {
		t.Fatalf("unexpected state dsn %q", state)
	}
	if queue != "file:///var/lib/scanlist/delivery-queue.json" {
		t.Fatalf("unexpected queue dsn %q", queue)
	}

	cfg.Storage.StateDSN = "memory://"
	state, _, _ = cfg.StorageDSNs()
	if state != "memory://" {
		t.Fatalf("expected explicit dsn to win, got %q", state)
	}
}

func TestProductionProfileRequiresPostgresDSN(t *testing.T) {
	cfg := Default()
	cfg.Storage.Profile = "production"
	if _, _, err := cfg.StorageDSNs(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	cfg.Storage.PostgresDSN = "postgres://localhost/scanlist"
	state, queue, err := cfg.StorageDSNs()
	if err != nil || state != cfg.Storage.PostgresDSN || queue != cfg.Storage.PostgresDSN {
		t.Fatalf("expected postgres dsn for both, got %q %q %v", state, queue, err)
	}
}

func TestRelativeDataDirFollowsConfigFile(t *testing.T) {
	path := writeConfig(t, "storage:\n  profile: durable-local\n  data_dir: data\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	state, _, _ := cfg.StorageDSNs()
	want := "file://" + filepath.Join(filepath.Dir(path), "data", "state.json")
	if state != want {
		t.Fatalf("expected %q, got %q", want, state)
	}
}

func TestBuildLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "debug"
	logger, err := cfg.BuildLogger()
	if err != nil {
		t.Fatalf("build logger failed: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Fatalf("expected debug level to be enabled")
	}
}
