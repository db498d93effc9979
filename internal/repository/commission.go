package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"settlo/internal/model"
)

// PayCommission records one referral payout: the commission event and the
// corresponding ledger credit commit in a single transaction, both keyed by
// (recharge, level) so a retried distribution cannot pay twice. Replaying an
// already-applied level returns the stored event unchanged.
func (s *Store) PayCommission(ctx context.Context, ev model.CommissionEvent) (model.CommissionEvent, error) {
	if ev.Amount <= 0 {
		return model.CommissionEvent{}, fmt.Errorf("commission amount must be positive, got %d", ev.Amount)
	}
	var out model.CommissionEvent
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO commission_events (recharge_id, beneficiary_id, level, basis_points, amount)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (recharge_id, level) DO NOTHING
			RETURNING id, recharge_id, beneficiary_id, level, basis_points, amount, created_at
		`, ev.RechargeID, ev.BeneficiaryID, ev.Level, ev.BasisPoints, ev.Amount).Scan(
			&out.ID, &out.RechargeID, &out.BeneficiaryID, &out.Level, &out.BasisPoints, &out.Amount, &out.CreatedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			// Level already applied. Verify the stored event matches what we
			// would have written; a divergence means the referrer chain or
			// configuration changed under a retry, which must not repay.
			prior, gerr := commissionEventByLevel(ctx, tx, ev.RechargeID, ev.Level)
			if gerr != nil {
				return gerr
			}
			if prior.BeneficiaryID != ev.BeneficiaryID || prior.Amount != ev.Amount {
				return fmt.Errorf("commission event for recharge %d level %d diverged: stored (beneficiary %d, amount %d), attempted (beneficiary %d, amount %d)",
					ev.RechargeID, ev.Level, prior.BeneficiaryID, prior.Amount, ev.BeneficiaryID, ev.Amount)
			}
			out = prior
		} else if err != nil {
			return fmt.Errorf("insert commission event: %w", err)
		}

		// The credit shares the (recharge, level) correlation, so it is a
		// no-op when the event insert above was a replay.
		_, err = creditTx(ctx, tx, ev.BeneficiaryID, ev.Amount, model.ReasonCommissionCredit, CommissionCorrelation(ev.RechargeID, ev.Level))
		return err
	})
	if err != nil {
		return model.CommissionEvent{}, err
	}
	s.invalidateBalance(ctx, ev.BeneficiaryID)
	return out, nil
}

func commissionEventByLevel(ctx context.Context, q querier, rechargeID int64, level int) (model.CommissionEvent, error) {
	var ev model.CommissionEvent
	err := q.QueryRow(ctx, `
		SELECT id, recharge_id, beneficiary_id, level, basis_points, amount, created_at
		FROM commission_events
		WHERE recharge_id = $1 AND level = $2
	`, rechargeID, level).Scan(
		&ev.ID, &ev.RechargeID, &ev.BeneficiaryID, &ev.Level, &ev.BasisPoints, &ev.Amount, &ev.CreatedAt,
	)
	return ev, err
}

// ListCommissionEvents returns the payouts triggered by a recharge, by level.
func (s *Store) ListCommissionEvents(ctx context.Context, rechargeID int64) ([]model.CommissionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, recharge_id, beneficiary_id, level, basis_points, amount, created_at
		FROM commission_events
		WHERE recharge_id = $1
		ORDER BY level
	`, rechargeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CommissionEvent
	for rows.Next() {
		var ev model.CommissionEvent
		if err := rows.Scan(&ev.ID, &ev.RechargeID, &ev.BeneficiaryID, &ev.Level, &ev.BasisPoints, &ev.Amount, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
