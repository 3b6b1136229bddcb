package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kquota/internal/config"
	"github.com/goodtune/kquota/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store keeps ledgers in Redis hashes, one per user, indexed by a set.
type Store struct {
	client      *redis.Client
	ledgerStore *ledgerStore
}

// Open connects to the configured server. Unparsable timeouts fall back to
// their defaults.
func Open(cfg config.RedisConfig) (*Store, error) {
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}
	dialTimeout := config.Duration(cfg.DialTimeout, 5*time.Second)

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  config.Duration(cfg.ReadTimeout, 3*time.Second),
		WriteTimeout: config.Duration(cfg.WriteTimeout, 3*time.Second),
	})

	// The ledger store is useless without a server, so fail startup early.
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "kquota"
	}

	return &Store{
		client:      client,
		ledgerStore: &ledgerStore{client: client, prefix: prefix},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ledgers returns the LedgerStore implementation
func (s *Store) Ledgers() storage.LedgerStore {
	return s.ledgerStore
}
