package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("REDIS_URL", "")
	path := writeConfig(t, `
server:
  port: 9090
provider:
  api_key: sk-test
sweeper:
  max_attempts: 3
  pending_after: 5m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.RateLimit.Requests != 5 || cfg.Server.RateLimit.Window != time.Minute {
		t.Errorf("rate limit = %+v", cfg.Server.RateLimit)
	}
	if cfg.Sweeper.Interval != time.Minute || cfg.Sweeper.PageSize != 100 {
		t.Errorf("sweeper defaults lost: %+v", cfg.Sweeper)
	}
	if cfg.Sweeper.MaxAttempts != 3 || cfg.Sweeper.PendingAfter != 5*time.Minute {
		t.Errorf("sweeper = %+v", cfg.Sweeper)
	}
	if cfg.Sweeper.StuckAfter != cfg.Worker.AttemptTimeout+time.Minute {
		t.Errorf("stuck_after = %v, want attempt_timeout plus a minute", cfg.Sweeper.StuckAfter)
	}
	if cfg.Addr() != "0.0.0.0:9090" {
		t.Errorf("Addr = %s", cfg.Addr())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "sk-env" || cfg.Store.Driver != DriverRedis {
		t.Errorf("cfg = %+v", cfg.Provider)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	path := writeConfig(t, `
redis:
  url: redis://localhost:6379/0
provider:
  api_key: sk-file
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "sk-env" {
		t.Errorf("api key = %s", cfg.Provider.APIKey)
	}
	if cfg.Redis.URL != "redis://cache:6379/2" {
		t.Errorf("redis url = %s", cfg.Redis.URL)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("REDIS_URL", "")

	testCases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"missing api key", "provider:\n  name: openai\n", "api_key"},
		{"unknown provider", "provider:\n  name: whisperx\n", "unknown provider"},
		{"vosk without url", "provider:\n  name: vosk\n", "provider.url"},
		{"bad port", "server:\n  port: 70000\nprovider:\n  api_key: k\n", "out of range"},
		{"bad driver", "store:\n  driver: sqlite\nprovider:\n  api_key: k\n", "store.driver"},
		{"zero concurrency", "worker:\n  concurrency: 0\nprovider:\n  api_key: k\n", "concurrency"},
		{"unique ttl too short", "worker:\n  attempt_timeout: 5m\n  unique_ttl: 2m\nprovider:\n  api_key: k\n", "unique_ttl"},
		{"stuck after too short", "sweeper:\n  stuck_after: 1m\nprovider:\n  api_key: k\n", "stuck_after"},
		{"vosk ok", "store:\n  driver: memory\nprovider:\n  name: vosk\n  url: ws://localhost:2700\n", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "server: [1, 2")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRecoveryOnByDefault(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	path := writeConfig(t, "worker:\n  attempt_timeout: 4m\n  unique_ttl: 15m\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sweeper.PendingAfter <= 0 {
		t.Error("pending recovery disabled by default")
	}
	if cfg.Sweeper.StuckAfter != 5*time.Minute {
		t.Errorf("stuck_after = %v, want 5m", cfg.Sweeper.StuckAfter)
	}
}
