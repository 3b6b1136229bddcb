package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/kquota/internal/storage"
	"github.com/redis/go-redis/v9"
)

type ledgerStore struct {
	client *redis.Client
	prefix string
}

func (s *ledgerStore) ledgerKey(user string) string {
	return fmt.Sprintf("%s:ledger:%s", s.prefix, user)
}

func (s *ledgerStore) usersKey() string {
	return s.prefix + ":ledgers"
}

// GetLedger retrieves the ledger for a user
func (s *ledgerStore) GetLedger(ctx context.Context, user string) (*storage.LedgerRecord, error) {
	data, err := s.client.HGetAll(ctx, s.ledgerKey(user)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseLedgerRecord(data)
}

// PutLedger atomically stores a ledger, refusing to overwrite a newer one
func (s *ledgerStore) PutLedger(ctx context.Context, record storage.LedgerRecord) error {
	script := redis.NewScript(putLedgerScript)

	savedAt := record.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	keys := []string{s.ledgerKey(record.User), s.usersKey()}
	args := []interface{}{
		record.User,
		record.SpentDay,
		record.SpentWeek,
		record.SpentMonth,
		record.BalanceDay,
		record.LastChecked.Format(time.RFC3339Nano),
		record.LastChecked.Unix(),
		savedAt.Format(time.RFC3339Nano),
	}

	return script.Run(ctx, s.client, keys, args...).Err()
}

// DeleteLedger removes a user's ledger
func (s *ledgerStore) DeleteLedger(ctx context.Context, user string) error {
	deleted, err := s.client.Del(ctx, s.ledgerKey(user)).Result()
	if err != nil {
		return err
	}
	if err := s.client.SRem(ctx, s.usersKey(), user).Err(); err != nil {
		return err
	}
	if deleted == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListUsers returns every user with a stored ledger
func (s *ledgerStore) ListUsers(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}
