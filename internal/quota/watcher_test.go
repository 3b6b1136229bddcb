package quota

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatcherReloadsChangedPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alice.yaml")
	if err := os.WriteFile(path, []byte("daily_limits:\n  mon: 1h\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	changes := make(chan *Policy, 4)
	w, err := NewWatcher(NewLoader(dir, zerolog.Nop()), func(user string, p *Policy) {
		if user == "alice" {
			changes <- p
		}
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Start()
	defer func() { _ = w.Stop() }()

	// Files without the policy extension are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}
	if err := os.WriteFile(path, []byte("daily_limits:\n  mon: 2h\n"), 0o644); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-changes:
			if limit, _ := p.DayLimit(1); limit == 7200 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for policy reload")
		}
	}
}

func TestWatcherReportsRemovedPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alice.yaml")
	if err := os.WriteFile(path, []byte("daily_limits:\n  mon: 1h\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	changes := make(chan *Policy, 4)
	w, err := NewWatcher(NewLoader(dir, zerolog.Nop()), func(user string, p *Policy) {
		if user == "alice" {
			changes <- p
		}
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Start()
	defer func() { _ = w.Stop() }()

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove policy: %v", err)
	}

	select {
	case p := <-changes:
		if p.User != "alice" {
			t.Errorf("expected policy for alice, got %q", p.User)
		}
		for day := 1; day <= 7; day++ {
			if limit, ok := p.DayLimit(day); ok {
				t.Fatalf("expected no limit after removal, day %d has %d", day, limit)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for removal")
	}
}

func TestWatcherRequiresDirectory(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "missing"), zerolog.Nop())
	if _, err := NewWatcher(loader, func(string, *Policy) {}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for a missing directory")
	}
}
