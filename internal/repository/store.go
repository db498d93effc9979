package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Store is the durable settlement state: users, requests, ledger entries and
// commission events in PostgreSQL, with a Redis read-through cache for wallet
// balances. All money-moving methods run inside a single transaction so a
// request transition and its ledger effect commit or roll back together.
type Store struct {
	pool  *pgxpool.Pool
	cache *redis.Client
}

func NewStore(pool *pgxpool.Pool, cache *redis.Client) *Store {
	return &Store{pool: pool, cache: cache}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting the
// per-entity helpers run either standalone or inside a caller's transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func balanceKey(userID int64) string {
	return fmt.Sprintf("balance:%d", userID)
}

// invalidateBalance drops the cached balance after a committed write.
// Cache failures are logged, never surfaced: the next read repopulates
// from Postgres, which is the source of truth.
func (s *Store) invalidateBalance(ctx context.Context, userIDs ...int64) {
	if s.cache == nil {
		return
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, balanceKey(id))
	}
	if err := s.cache.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("store: balance cache invalidation failed", "error", err, "keys", keys)
	}
}

func (s *Store) cachedBalance(ctx context.Context, userID int64) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	raw, err := s.cache.Get(ctx, balanceKey(userID)).Result()
	if err != nil {
		return 0, false
	}
	bal, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return bal, true
}

// warmBalance puts the authoritative balance into Redis. No TTL: the cache
// is invalidated explicitly on every write path.
func (s *Store) warmBalance(ctx context.Context, userID, balance int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, balanceKey(userID), balance, 0).Err(); err != nil {
		slog.Warn("store: balance cache warmup failed", "error", err, "user_id", userID)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}
