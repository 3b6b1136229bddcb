package bolt

import (
	"context"

	"github.com/goodtune/kquota/internal/storage"
	"go.etcd.io/bbolt"
)

type ledgerStore struct {
	db *bbolt.DB
}

func (s *ledgerStore) GetLedger(ctx context.Context, user string) (*storage.LedgerRecord, error) {
	return getBucketValue[storage.LedgerRecord](ctx, s.db, bucketLedgers, user)
}

func (s *ledgerStore) PutLedger(ctx context.Context, record storage.LedgerRecord) error {
	return putBucketValue(ctx, s.db, bucketLedgers, record.User, record)
}

func (s *ledgerStore) DeleteLedger(ctx context.Context, user string) error {
	return deleteBucketValue(ctx, s.db, bucketLedgers, user)
}

func (s *ledgerStore) ListUsers(ctx context.Context) ([]string, error) {
	return listKeys(ctx, s.db, bucketLedgers)
}
