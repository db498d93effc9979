package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"settlo/internal/model"
)

const rechargeColumns = `id, user_id, amount, channel, channel_ref, status, submitted_at, decided_at, decided_by`
const withdrawColumns = `id, user_id, amount, bank_details, status, submitted_at, decided_at, decided_by`

// SubmitRecharge inserts a new pending recharge. A channel reference that was
// already submitted (same payment proof twice) fails with ErrDuplicateRequest.
func (s *Store) SubmitRecharge(ctx context.Context, in model.SubmitRechargeInput) (model.RechargeRequest, error) {
	if in.Amount <= 0 {
		return model.RechargeRequest{}, fmt.Errorf("recharge amount must be positive, got %d", in.Amount)
	}
	var req model.RechargeRequest
	err := s.pool.QueryRow(ctx, `
		INSERT INTO recharge_requests (user_id, amount, channel, channel_ref)
		VALUES ($1, $2, $3, $4)
		RETURNING `+rechargeColumns,
		in.UserID, in.Amount, in.Channel, in.ChannelRef,
	).Scan(rechargeFields(&req)...)
	if err != nil {
		if isUniqueViolation(err) {
			return model.RechargeRequest{}, ErrDuplicateRequest
		}
		return model.RechargeRequest{}, fmt.Errorf("insert recharge: %w", err)
	}
	return req, nil
}

func (s *Store) SubmitWithdraw(ctx context.Context, in model.SubmitWithdrawInput) (model.WithdrawRequest, error) {
	if in.Amount <= 0 {
		return model.WithdrawRequest{}, fmt.Errorf("withdraw amount must be positive, got %d", in.Amount)
	}
	var req model.WithdrawRequest
	err := s.pool.QueryRow(ctx, `
		INSERT INTO withdraw_requests (user_id, amount, bank_details)
		VALUES ($1, $2, $3)
		RETURNING `+withdrawColumns,
		in.UserID, in.Amount, in.BankDetails,
	).Scan(withdrawFields(&req)...)
	if err != nil {
		return model.WithdrawRequest{}, fmt.Errorf("insert withdraw: %w", err)
	}
	return req, nil
}

func (s *Store) GetRecharge(ctx context.Context, id int64) (model.RechargeRequest, error) {
	var req model.RechargeRequest
	err := s.pool.QueryRow(ctx, `
		SELECT `+rechargeColumns+` FROM recharge_requests WHERE id = $1
	`, id).Scan(rechargeFields(&req)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RechargeRequest{}, ErrNotFound
		}
		return model.RechargeRequest{}, err
	}
	return req, nil
}

func (s *Store) GetWithdraw(ctx context.Context, id int64) (model.WithdrawRequest, error) {
	var req model.WithdrawRequest
	err := s.pool.QueryRow(ctx, `
		SELECT `+withdrawColumns+` FROM withdraw_requests WHERE id = $1
	`, id).Scan(withdrawFields(&req)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WithdrawRequest{}, ErrNotFound
		}
		return model.WithdrawRequest{}, err
	}
	return req, nil
}

// ApproveRecharge claims the request (Pending -> Approved, compare-and-swap
// on status) and credits the wallet in the same transaction. Losing the claim
// race yields ErrAlreadyDecided with no ledger effect.
func (s *Store) ApproveRecharge(ctx context.Context, id int64, actor string) (model.RechargeRequest, model.LedgerEntry, error) {
	var req model.RechargeRequest
	var entry model.LedgerEntry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		req, err = transitionRecharge(ctx, tx, id, model.StatusApproved, actor)
		if err != nil {
			return err
		}
		entry, err = creditTx(ctx, tx, req.UserID, req.Amount, model.ReasonRechargeCredit, RechargeCorrelation(req.ID))
		return err
	})
	if err != nil {
		return model.RechargeRequest{}, model.LedgerEntry{}, err
	}
	s.invalidateBalance(ctx, req.UserID)
	return req, entry, nil
}

func (s *Store) RejectRecharge(ctx context.Context, id int64, actor string) (model.RechargeRequest, error) {
	var req model.RechargeRequest
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		req, err = transitionRecharge(ctx, tx, id, model.StatusRejected, actor)
		return err
	})
	return req, err
}

// ApproveWithdraw claims the request and debits the wallet atomically. The
// balance check happens at approval time under the user's row lock; if funds
// are short the whole transaction rolls back — the request stays Pending and
// ErrInsufficientFunds is surfaced, never a silent approval.
func (s *Store) ApproveWithdraw(ctx context.Context, id int64, actor string) (model.WithdrawRequest, model.LedgerEntry, error) {
	var req model.WithdrawRequest
	var entry model.LedgerEntry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		req, err = transitionWithdraw(ctx, tx, id, model.StatusApproved, actor)
		if err != nil {
			return err
		}
		entry, err = debitTx(ctx, tx, req.UserID, req.Amount, model.ReasonWithdrawDebit, WithdrawCorrelation(req.ID))
		return err
	})
	if err != nil {
		return model.WithdrawRequest{}, model.LedgerEntry{}, err
	}
	s.invalidateBalance(ctx, req.UserID)
	return req, entry, nil
}

func (s *Store) RejectWithdraw(ctx context.Context, id int64, actor string) (model.WithdrawRequest, error) {
	var req model.WithdrawRequest
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		req, err = transitionWithdraw(ctx, tx, id, model.StatusRejected, actor)
		return err
	})
	return req, err
}

// transitionRecharge moves a recharge out of Pending exactly once. The
// UPDATE's status guard is the optimistic concurrency check: zero rows means
// either the request doesn't exist or another admin got there first.
func transitionRecharge(ctx context.Context, tx pgx.Tx, id int64, to model.RequestStatus, actor string) (model.RechargeRequest, error) {
	var req model.RechargeRequest
	err := tx.QueryRow(ctx, `
		UPDATE recharge_requests
		SET status = $2, decided_at = now(), decided_by = $3
		WHERE id = $1 AND status = $4
		RETURNING `+rechargeColumns,
		id, to, actor, model.StatusPending,
	).Scan(rechargeFields(&req)...)
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.RechargeRequest{}, fmt.Errorf("transition recharge %d: %w", id, err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM recharge_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return model.RechargeRequest{}, err
	}
	if exists {
		return model.RechargeRequest{}, ErrAlreadyDecided
	}
	return model.RechargeRequest{}, ErrNotFound
}

func transitionWithdraw(ctx context.Context, tx pgx.Tx, id int64, to model.RequestStatus, actor string) (model.WithdrawRequest, error) {
	var req model.WithdrawRequest
	err := tx.QueryRow(ctx, `
		UPDATE withdraw_requests
		SET status = $2, decided_at = now(), decided_by = $3
		WHERE id = $1 AND status = $4
		RETURNING `+withdrawColumns,
		id, to, actor, model.StatusPending,
	).Scan(withdrawFields(&req)...)
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.WithdrawRequest{}, fmt.Errorf("transition withdraw %d: %w", id, err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM withdraw_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return model.WithdrawRequest{}, err
	}
	if exists {
		return model.WithdrawRequest{}, ErrAlreadyDecided
	}
	return model.WithdrawRequest{}, ErrNotFound
}

// ListPendingRecharges pages through pending recharges oldest first.
// The cursor is a keyset over (submitted_at, id), so the sequence is
// restartable and stable under concurrent decisions.
func (s *Store) ListPendingRecharges(ctx context.Context, cursor model.Cursor, limit int) ([]model.RechargeRequest, model.Cursor, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+rechargeColumns+`
		FROM recharge_requests
		WHERE status = $1 AND (submitted_at, id) > ($2, $3)
		ORDER BY submitted_at, id
		LIMIT $4
	`, model.StatusPending, cursor.SubmittedAt, cursor.ID, limit)
	if err != nil {
		return nil, model.Cursor{}, err
	}
	defer rows.Close()

	var out []model.RechargeRequest
	next := model.Cursor{}
	for rows.Next() {
		var req model.RechargeRequest
		if err := rows.Scan(rechargeFields(&req)...); err != nil {
			return nil, model.Cursor{}, err
		}
		out = append(out, req)
		next = model.Cursor{SubmittedAt: req.SubmittedAt, ID: req.ID}
	}
	return out, next, rows.Err()
}

func (s *Store) ListPendingWithdrawals(ctx context.Context, cursor model.Cursor, limit int) ([]model.WithdrawRequest, model.Cursor, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+withdrawColumns+`
		FROM withdraw_requests
		WHERE status = $1 AND (submitted_at, id) > ($2, $3)
		ORDER BY submitted_at, id
		LIMIT $4
	`, model.StatusPending, cursor.SubmittedAt, cursor.ID, limit)
	if err != nil {
		return nil, model.Cursor{}, err
	}
	defer rows.Close()

	var out []model.WithdrawRequest
	next := model.Cursor{}
	for rows.Next() {
		var req model.WithdrawRequest
		if err := rows.Scan(withdrawFields(&req)...); err != nil {
			return nil, model.Cursor{}, err
		}
		out = append(out, req)
		next = model.Cursor{SubmittedAt: req.SubmittedAt, ID: req.ID}
	}
	return out, next, rows.Err()
}

func rechargeFields(r *model.RechargeRequest) []any {
	return []any{&r.ID, &r.UserID, &r.Amount, &r.Channel, &r.ChannelRef, &r.Status, &r.SubmittedAt, &r.DecidedAt, &r.DecidedBy}
}

func withdrawFields(w *model.WithdrawRequest) []any {
	return []any{&w.ID, &w.UserID, &w.Amount, &w.BankDetails, &w.Status, &w.SubmittedAt, &w.DecidedAt, &w.DecidedBy}
}
