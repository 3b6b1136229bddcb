package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "storage:\n  path: "+filepath.Join(dir, "db", "kquota.bolt")+"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Engine.PollInterval != "3s" || cfg.Engine.SaveInterval != "30s" {
		t.Errorf("unexpected engine intervals %+v", cfg.Engine)
	}
	if cfg.Storage.Type != "bolt" {
		t.Errorf("expected bolt storage, got %q", cfg.Storage.Type)
	}
	if _, err := os.Stat(filepath.Join(dir, "db")); err != nil {
		t.Errorf("expected storage directory to be created: %v", err)
	}

	thresholds, err := cfg.Engine.Thresholds()
	if err != nil {
		t.Fatalf("Thresholds: %v", err)
	}
	want := []time.Duration{30 * time.Minute, 10 * time.Minute, 5 * time.Minute}
	if len(thresholds) != len(want) {
		t.Fatalf("expected %v, got %v", want, thresholds)
	}
	for i := range want {
		if thresholds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, thresholds)
		}
	}

	if cfg.Endpoints.Notify.DelayTicks != 2 || cfg.Endpoints.Session.Retries != 5 {
		t.Errorf("unexpected endpoint defaults %+v", cfg.Endpoints)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KQUOTA_STORAGE_PATH", filepath.Join(dir, "kquota.bolt"))

	cfg, err := Load(filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != filepath.Join(dir, "kquota.bolt") {
		t.Errorf("expected env override, got %q", cfg.Storage.Path)
	}
}

func TestLoadSortsThresholds(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
engine:
  warning_thresholds: ["5m", "1h", "15m"]
storage:
  path: `+filepath.Join(dir, "kquota.bolt")+`
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	thresholds, _ := cfg.Engine.Thresholds()
	if thresholds[0] != time.Hour || thresholds[2] != 5*time.Minute {
		t.Fatalf("expected descending thresholds, got %v", thresholds)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"short poll", "engine:\n  poll_interval: 100ms\n", "poll interval"},
		{"save below poll", "engine:\n  save_interval: 1s\n", "save interval"},
		{"bad threshold", "engine:\n  warning_thresholds: [soon]\n", "warning threshold"},
		{"storage type", "storage:\n  type: sqlite\n", "storage type"},
		{"log format", "logging:\n  format: xml\n", "logging format"},
		{"negative retries", "endpoints:\n  idle:\n    retries: -1\n", "idle endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			t.Setenv("KQUOTA_STORAGE_PATH", filepath.Join(dir, "kquota.bolt"))
			path := writeConfig(t, dir, tt.content)

			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	if d := Duration("", time.Second); d != time.Second {
		t.Errorf("expected fallback for empty, got %s", d)
	}
	if d := Duration("bogus", time.Second); d != time.Second {
		t.Errorf("expected fallback for invalid, got %s", d)
	}
	if d := Duration("90s", time.Second); d != 90*time.Second {
		t.Errorf("expected 90s, got %s", d)
	}
}

func TestKeysCoverDefaults(t *testing.T) {
	keys := Keys()
	for _, k := range []string{"engine.poll_interval", "storage.redis.password", "admin.socket_mode", "endpoints.idle.delay_ticks"} {
		if !keys[k] {
			t.Errorf("expected %s to be a known key", k)
		}
	}

	cfg := Default()
	if cfg.Engine.PollInterval != "3s" || cfg.Storage.Type != "bolt" {
		t.Fatalf("unexpected defaults %+v", cfg.Engine)
	}
}
