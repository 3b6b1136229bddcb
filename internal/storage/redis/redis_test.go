package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/kquota/internal/config"
	"github.com/goodtune/kquota/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays zero.
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestLedgerStore_PutAndGet(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	ledgers := store.Ledgers()

	record := storage.LedgerRecord{
		User:        "alice",
		SpentDay:    300,
		SpentWeek:   4000,
		SpentMonth:  9000,
		BalanceDay:  -120,
		LastChecked: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
	}

	if err := ledgers.PutLedger(ctx, record); err != nil {
		t.Fatalf("PutLedger failed: %v", err)
	}

	if !mr.Exists("kquota:ledger:alice") {
		t.Fatal("Expected ledger hash to exist")
	}

	got, err := ledgers.GetLedger(ctx, "alice")
	if err != nil {
		t.Fatalf("GetLedger failed: %v", err)
	}

	if got.SpentDay != 300 || got.SpentWeek != 4000 || got.SpentMonth != 9000 {
		t.Errorf("Unexpected counters: %+v", got)
	}
	if got.BalanceDay != -120 {
		t.Errorf("Expected BalanceDay -120, got %d", got.BalanceDay)
	}
	if !got.LastChecked.Equal(record.LastChecked) {
		t.Errorf("Expected LastChecked %s, got %s", record.LastChecked, got.LastChecked)
	}
	if got.SavedAt.IsZero() {
		t.Error("Expected SavedAt to be filled in")
	}
}

func TestLedgerStore_RefusesStaleWrite(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	ledgers := store.Ledgers()

	newer := storage.LedgerRecord{
		User:        "alice",
		SpentDay:    600,
		LastChecked: time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC),
	}
	older := storage.LedgerRecord{
		User:        "alice",
		SpentDay:    60,
		LastChecked: time.Date(2024, 1, 2, 11, 0, 0, 0, time.UTC),
	}

	if err := ledgers.PutLedger(ctx, newer); err != nil {
		t.Fatalf("PutLedger newer failed: %v", err)
	}
	if err := ledgers.PutLedger(ctx, older); err != nil {
		t.Fatalf("PutLedger older failed: %v", err)
	}

	got, err := ledgers.GetLedger(ctx, "alice")
	if err != nil {
		t.Fatalf("GetLedger failed: %v", err)
	}
	if got.SpentDay != 600 {
		t.Errorf("Expected newer ledger to survive, got SpentDay %d", got.SpentDay)
	}
}

func TestLedgerStore_Missing(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	_, err := store.Ledgers().GetLedger(context.Background(), "nobody")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestLedgerStore_Corrupt(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	mr.HSet("kquota:ledger:bob", "user", "bob", "spent_day", "lots")

	_, err := store.Ledgers().GetLedger(context.Background(), "bob")
	if !errors.Is(err, storage.ErrCorrupt) {
		t.Fatalf("Expected ErrCorrupt, got %v", err)
	}
}

func TestLedgerStore_ListAndDelete(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	ledgers := store.Ledgers()

	for _, user := range []string{"carol", "alice"} {
		record := storage.LedgerRecord{User: user, LastChecked: time.Now()}
		if err := ledgers.PutLedger(ctx, record); err != nil {
			t.Fatalf("PutLedger %s failed: %v", user, err)
		}
	}

	users, err := ledgers.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "carol" {
		t.Fatalf("Expected [alice carol], got %v", users)
	}

	if err := ledgers.DeleteLedger(ctx, "alice"); err != nil {
		t.Fatalf("DeleteLedger failed: %v", err)
	}
	if err := ledgers.DeleteLedger(ctx, "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound on second delete, got %v", err)
	}

	users, _ = ledgers.ListUsers(ctx)
	if len(users) != 1 || users[0] != "carol" {
		t.Fatalf("Expected [carol], got %v", users)
	}
}
