package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrCorrupt is returned when a stored record exists but cannot be decoded.
var ErrCorrupt = errors.New("storage: record corrupt")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Ledgers() LedgerStore
}

// LedgerStore persists per-user accounting ledgers.
type LedgerStore interface {
	GetLedger(ctx context.Context, user string) (*LedgerRecord, error)
	PutLedger(ctx context.Context, record LedgerRecord) error
	DeleteLedger(ctx context.Context, user string) error
	ListUsers(ctx context.Context) ([]string, error)
}
