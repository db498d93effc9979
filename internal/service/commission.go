package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"settlo/internal/model"
	"settlo/internal/repository"
)

// CommissionEngine distributes multi-level referral payouts for approved
// recharges. Percentages are basis points per level, level 1 first; the walk
// up the referrer chain is bounded by depth no matter what shape the chain
// has, so a corrupted referrer loop cannot spin.
type CommissionEngine struct {
	store  Store
	levels []int32
	depth  int
}

func NewCommissionEngine(store Store, levels []int32, depth int) *CommissionEngine {
	if depth > len(levels) {
		depth = len(levels)
	}
	if depth < 0 {
		depth = 0
	}
	return &CommissionEngine{store: store, levels: levels, depth: depth}
}

// levelAmount computes one payout in minor currency units, rounding down.
// Sub-unit remainders are discarded, never carried or promoted.
func levelAmount(amount int64, bps int32) int64 {
	return amount * int64(bps) / 10000
}

type beneficiary struct {
	UserID int64
	Active bool
}

type payout struct {
	Level       int
	UserID      int64
	BasisPoints int32
	Amount      int64
}

// planPayouts maps a referrer chain onto the configured levels. Inactive
// beneficiaries are skipped without promoting deeper levels to a higher
// percentage, and zero-amount payouts are dropped.
func planPayouts(amount int64, levels []int32, chain []beneficiary) []payout {
	var out []payout
	for i, b := range chain {
		if i >= len(levels) {
			break
		}
		if !b.Active {
			continue
		}
		amt := levelAmount(amount, levels[i])
		if amt <= 0 {
			continue
		}
		out = append(out, payout{
			Level:       i + 1,
			UserID:      b.UserID,
			BasisPoints: levels[i],
			Amount:      amt,
		})
	}
	return out
}

// chain walks up the referrer links from the recharging user, at most depth
// hops. The walk also stops on a repeated user: paying the same beneficiary
// twice for one recharge would violate the one-event-per-beneficiary rule.
func (e *CommissionEngine) chain(ctx context.Context, userID int64) ([]beneficiary, error) {
	seen := map[int64]bool{userID: true}
	cur := userID
	var out []beneficiary
	for level := 1; level <= e.depth; level++ {
		ref, ok, err := e.store.Referrer(ctx, cur)
		if err != nil {
			return nil, err
		}
		if !ok || seen[ref] {
			break
		}
		seen[ref] = true

		active, err := e.store.IsActive(ctx, ref)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				// Dangling referrer link from imported data; end the walk.
				break
			}
			return nil, err
		}
		out = append(out, beneficiary{UserID: ref, Active: active})
		cur = ref
	}
	return out, nil
}

// Distribute pays every level for an approved recharge. Each level is keyed
// by (recharge, level), so replaying after a partial failure only applies
// the levels that have not been paid yet. A failing level does not stop the
// remaining levels; all level errors are surfaced together so the caller can
// retry the distribution as a unit.
func (e *CommissionEngine) Distribute(ctx context.Context, req model.RechargeRequest) error {
	if req.Status != model.StatusApproved {
		return fmt.Errorf("cannot distribute commissions for recharge %d in status %s", req.ID, req.Status)
	}

	chain, err := e.chain(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("resolve referrer chain for user %d: %w", req.UserID, err)
	}

	var errs error
	for _, p := range planPayouts(req.Amount, e.levels[:e.depth], chain) {
		ev := model.CommissionEvent{
			RechargeID:    req.ID,
			BeneficiaryID: p.UserID,
			Level:         p.Level,
			BasisPoints:   p.BasisPoints,
			Amount:        p.Amount,
		}
		if _, err := e.store.PayCommission(ctx, ev); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("commission level %d for recharge %d: %w", p.Level, req.ID, err))
		}
	}
	return errs
}
