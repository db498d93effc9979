package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"settlo/internal/model"
)

// Correlation ids tie a ledger entry to the request or event that caused it.
// Replaying the same correlation id is a no-op returning the prior entry.
func RechargeCorrelation(rechargeID int64) string {
	return fmt.Sprintf("recharge:%d", rechargeID)
}

func WithdrawCorrelation(withdrawID int64) string {
	return fmt.Sprintf("withdraw:%d", withdrawID)
}

func CommissionCorrelation(rechargeID int64, level int) string {
	return fmt.Sprintf("commission:%d:%d", rechargeID, level)
}

// Credit appends a positive-delta entry for the user and bumps the cached
// running total, all in one transaction. Idempotent per correlation id.
func (s *Store) Credit(ctx context.Context, userID, amount int64, reason model.Reason, correlationID string) (model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = creditTx(ctx, tx, userID, amount, reason, correlationID)
		return err
	})
	if err != nil {
		return model.LedgerEntry{}, err
	}
	s.invalidateBalance(ctx, userID)
	return entry, nil
}

// Debit appends a negative-delta entry if the current balance covers the
// amount. The check-and-apply is serialized per user by the row lock taken
// on the user's balance.
func (s *Store) Debit(ctx context.Context, userID, amount int64, reason model.Reason, correlationID string) (model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = debitTx(ctx, tx, userID, amount, reason, correlationID)
		return err
	})
	if err != nil {
		return model.LedgerEntry{}, err
	}
	s.invalidateBalance(ctx, userID)
	return entry, nil
}

// BalanceOf returns the user's current balance, trying the Redis cache first
// and falling back to Postgres on a miss (warming the cache on the way out).
func (s *Store) BalanceOf(ctx context.Context, userID int64) (int64, error) {
	if bal, ok := s.cachedBalance(ctx, userID); ok {
		return bal, nil
	}

	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("query balance: %w", err)
	}

	s.warmBalance(ctx, userID, balance)
	return balance, nil
}

// AuditBalance returns the cached running total alongside the sum of the
// user's ledger entries. The two must always agree; a mismatch is an
// invariant violation.
func (s *Store) AuditBalance(ctx context.Context, userID int64) (total int64, entrySum int64, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT u.balance, COALESCE(SUM(l.delta), 0)
		FROM users u
		LEFT JOIN ledger_entries l ON l.user_id = u.id
		WHERE u.id = $1
		GROUP BY u.balance
	`, userID).Scan(&total, &entrySum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrUserNotFound
		}
		return 0, 0, err
	}
	return total, entrySum, nil
}

func creditTx(ctx context.Context, tx pgx.Tx, userID, amount int64, reason model.Reason, correlationID string) (model.LedgerEntry, error) {
	if amount <= 0 {
		return model.LedgerEntry{}, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	return applyDelta(ctx, tx, userID, amount, reason, correlationID)
}

func debitTx(ctx context.Context, tx pgx.Tx, userID, amount int64, reason model.Reason, correlationID string) (model.LedgerEntry, error) {
	if amount <= 0 {
		return model.LedgerEntry{}, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	return applyDelta(ctx, tx, userID, -amount, reason, correlationID)
}

// applyDelta is the single write path for balances: lock the user row,
// short-circuit on a replayed correlation id, enforce non-negative balance
// for debits, then append the entry and move the running total together.
func applyDelta(ctx context.Context, tx pgx.Tx, userID, delta int64, reason model.Reason, correlationID string) (model.LedgerEntry, error) {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LedgerEntry{}, ErrUserNotFound
		}
		return model.LedgerEntry{}, fmt.Errorf("lock user %d: %w", userID, err)
	}

	if prior, err := ledgerEntryByCorrelation(ctx, tx, correlationID); err == nil {
		if prior.UserID != userID || prior.Delta != delta {
			return model.LedgerEntry{}, fmt.Errorf("correlation id %q replayed with different payload (user %d delta %d, prior user %d delta %d)",
				correlationID, userID, delta, prior.UserID, prior.Delta)
		}
		return prior, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return model.LedgerEntry{}, err
	}

	if delta < 0 && balance+delta < 0 {
		return model.LedgerEntry{}, ErrInsufficientFunds
	}

	var entry model.LedgerEntry
	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (user_id, delta, reason, correlation_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, user_id, delta, reason, correlation_id, created_at
	`, userID, delta, reason, correlationID).Scan(
		&entry.ID,
		&entry.UserID,
		&entry.Delta,
		&entry.Reason,
		&entry.CorrelationID,
		&entry.CreatedAt,
	)
	if err != nil {
		// Lost a race on the correlation id despite the row lock: treat as
		// a replay rather than failing the whole operation.
		if isUniqueViolation(err) {
			prior, gerr := ledgerEntryByCorrelation(ctx, tx, correlationID)
			if gerr == nil {
				return prior, nil
			}
		}
		return model.LedgerEntry{}, fmt.Errorf("insert ledger entry: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE users SET balance = balance + $1 WHERE id = $2`, delta, userID)
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("update balance: %w", err)
	}

	return entry, nil
}

func ledgerEntryByCorrelation(ctx context.Context, q querier, correlationID string) (model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := q.QueryRow(ctx, `
		SELECT id, user_id, delta, reason, correlation_id, created_at
		FROM ledger_entries
		WHERE correlation_id = $1
	`, correlationID).Scan(
		&entry.ID,
		&entry.UserID,
		&entry.Delta,
		&entry.Reason,
		&entry.CorrelationID,
		&entry.CreatedAt,
	)
	return entry, err
}

// ListLedgerEntries returns a user's entries oldest first, for audit views.
func (s *Store) ListLedgerEntries(ctx context.Context, userID int64, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, delta, reason, correlation_id, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.Reason, &e.CorrelationID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
