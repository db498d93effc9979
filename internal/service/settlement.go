package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"settlo/internal/model"
	"settlo/internal/repository"
)

// ErrUnavailable wraps an infrastructure failure that survived the bounded
// retry budget. Domain outcomes (insufficient funds, already decided, ...)
// are never wrapped in it.
var ErrUnavailable = errors.New("settlement store unavailable")

// Store is what the coordinator and commission engine need from the durable
// layer. *repository.Store satisfies it; tests substitute an in-memory fake.
type Store interface {
	SubmitRecharge(ctx context.Context, in model.SubmitRechargeInput) (model.RechargeRequest, error)
	SubmitWithdraw(ctx context.Context, in model.SubmitWithdrawInput) (model.WithdrawRequest, error)
	GetRecharge(ctx context.Context, id int64) (model.RechargeRequest, error)
	GetWithdraw(ctx context.Context, id int64) (model.WithdrawRequest, error)
	ApproveRecharge(ctx context.Context, id int64, actor string) (model.RechargeRequest, model.LedgerEntry, error)
	RejectRecharge(ctx context.Context, id int64, actor string) (model.RechargeRequest, error)
	ApproveWithdraw(ctx context.Context, id int64, actor string) (model.WithdrawRequest, model.LedgerEntry, error)
	RejectWithdraw(ctx context.Context, id int64, actor string) (model.WithdrawRequest, error)
	ListPendingRecharges(ctx context.Context, cursor model.Cursor, limit int) ([]model.RechargeRequest, model.Cursor, error)
	ListPendingWithdrawals(ctx context.Context, cursor model.Cursor, limit int) ([]model.WithdrawRequest, model.Cursor, error)
	BalanceOf(ctx context.Context, userID int64) (int64, error)
	PayCommission(ctx context.Context, ev model.CommissionEvent) (model.CommissionEvent, error)
	ListCommissionEvents(ctx context.Context, rechargeID int64) ([]model.CommissionEvent, error)
	Referrer(ctx context.Context, id int64) (int64, bool, error)
	IsActive(ctx context.Context, id int64) (bool, error)
}

// Settlement is the surface the transports (HTTP, NATS) and the commission
// worker bind to.
type Settlement interface {
	SubmitRecharge(ctx context.Context, in model.SubmitRechargeInput) (model.RechargeRequest, error)
	SubmitWithdraw(ctx context.Context, in model.SubmitWithdrawInput) (model.WithdrawRequest, error)
	DecideRecharge(ctx context.Context, id int64, decision model.Decision, actor string) (model.RechargeRequest, error)
	DecideWithdraw(ctx context.Context, id int64, decision model.Decision, actor string) (model.WithdrawRequest, error)
	ListPendingRecharges(ctx context.Context, cursor model.Cursor, limit int) ([]model.RechargeRequest, model.Cursor, error)
	ListPendingWithdrawals(ctx context.Context, cursor model.Cursor, limit int) ([]model.WithdrawRequest, model.Cursor, error)
	WalletBalance(ctx context.Context, userID int64) (int64, error)
	ListCommissionEvents(ctx context.Context, rechargeID int64) ([]model.CommissionEvent, error)
	DistributeCommissions(ctx context.Context, rechargeID int64) error
}

// Coordinator drives the Pending -> Approved/Rejected state machine and its
// ledger side effects. Decisions are idempotent: a retried decide on an
// already-decided request returns the existing terminal state.
type Coordinator struct {
	store  Store
	engine *CommissionEngine
	bus    repository.MessageBus

	maxRetries uint64
	baseDelay  time.Duration
}

func NewCoordinator(store Store, engine *CommissionEngine, bus repository.MessageBus) *Coordinator {
	return &Coordinator{
		store:      store,
		engine:     engine,
		bus:        bus,
		maxRetries: 4,
		baseDelay:  50 * time.Millisecond,
	}
}

var _ Settlement = (*Coordinator)(nil)

// isDomainErr separates expected outcomes from infrastructure failures.
// Only the latter are retried.
func isDomainErr(err error) bool {
	return errors.Is(err, repository.ErrInsufficientFunds) ||
		errors.Is(err, repository.ErrAlreadyDecided) ||
		errors.Is(err, repository.ErrDuplicateRequest) ||
		errors.Is(err, repository.ErrNotFound) ||
		errors.Is(err, repository.ErrUserNotFound)
}

// withRetry runs op under bounded exponential backoff. Domain outcomes pass
// through untouched; exhausted infrastructure failures come back wrapped in
// ErrUnavailable.
func (c *Coordinator) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.baseDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := op(ctx); err != nil {
			if isDomainErr(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil && !isDomainErr(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func (c *Coordinator) SubmitRecharge(ctx context.Context, in model.SubmitRechargeInput) (model.RechargeRequest, error) {
	var req model.RechargeRequest
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		req, err = c.store.SubmitRecharge(ctx, in)
		return err
	})
	return req, err
}

func (c *Coordinator) SubmitWithdraw(ctx context.Context, in model.SubmitWithdrawInput) (model.WithdrawRequest, error) {
	var req model.WithdrawRequest
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		req, err = c.store.SubmitWithdraw(ctx, in)
		return err
	})
	return req, err
}

// DecideRecharge settles a pending recharge. On approval the wallet credit
// commits atomically with the claim; the approval event is then published and
// commissions distributed. If distribution cannot complete here, the worker
// picks the published event up and re-runs it — commission credits are
// idempotent, so both paths may race safely.
func (c *Coordinator) DecideRecharge(ctx context.Context, id int64, decision model.Decision, actor string) (model.RechargeRequest, error) {
	if !decision.Valid() {
		return model.RechargeRequest{}, fmt.Errorf("invalid decision %q", decision)
	}

	var req model.RechargeRequest
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		if decision == model.DecisionApprove {
			req, _, err = c.store.ApproveRecharge(ctx, id, actor)
		} else {
			req, err = c.store.RejectRecharge(ctx, id, actor)
		}
		return err
	})
	if errors.Is(err, repository.ErrAlreadyDecided) {
		return c.store.GetRecharge(ctx, id)
	}
	if err != nil {
		return model.RechargeRequest{}, err
	}

	if decision == model.DecisionApprove {
		c.publishApproved(req)
		if derr := c.withRetry(ctx, func(ctx context.Context) error {
			return c.engine.Distribute(ctx, req)
		}); derr != nil {
			slog.Error("commission distribution incomplete, worker will reconcile",
				"recharge_id", req.ID, "error", derr)
		}
	}

	return req, nil
}

// DecideWithdraw settles a pending withdrawal. An approval that would
// overdraw the wallet rolls back entirely: the request stays Pending, the
// balance is untouched and ErrInsufficientFunds is returned.
func (c *Coordinator) DecideWithdraw(ctx context.Context, id int64, decision model.Decision, actor string) (model.WithdrawRequest, error) {
	if !decision.Valid() {
		return model.WithdrawRequest{}, fmt.Errorf("invalid decision %q", decision)
	}

	var req model.WithdrawRequest
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		if decision == model.DecisionApprove {
			req, _, err = c.store.ApproveWithdraw(ctx, id, actor)
		} else {
			req, err = c.store.RejectWithdraw(ctx, id, actor)
		}
		return err
	})
	if errors.Is(err, repository.ErrAlreadyDecided) {
		return c.store.GetWithdraw(ctx, id)
	}
	if err != nil {
		return model.WithdrawRequest{}, err
	}
	return req, nil
}

// DistributeCommissions re-runs distribution for an approved recharge. Used
// by the commission worker to heal distributions interrupted mid-flight.
func (c *Coordinator) DistributeCommissions(ctx context.Context, rechargeID int64) error {
	req, err := c.store.GetRecharge(ctx, rechargeID)
	if err != nil {
		return err
	}
	return c.withRetry(ctx, func(ctx context.Context) error {
		return c.engine.Distribute(ctx, req)
	})
}

func (c *Coordinator) ListPendingRecharges(ctx context.Context, cursor model.Cursor, limit int) ([]model.RechargeRequest, model.Cursor, error) {
	return c.store.ListPendingRecharges(ctx, cursor, limit)
}

func (c *Coordinator) ListPendingWithdrawals(ctx context.Context, cursor model.Cursor, limit int) ([]model.WithdrawRequest, model.Cursor, error) {
	return c.store.ListPendingWithdrawals(ctx, cursor, limit)
}

func (c *Coordinator) WalletBalance(ctx context.Context, userID int64) (int64, error) {
	return c.store.BalanceOf(ctx, userID)
}

func (c *Coordinator) ListCommissionEvents(ctx context.Context, rechargeID int64) ([]model.CommissionEvent, error) {
	return c.store.ListCommissionEvents(ctx, rechargeID)
}

// publishApproved puts the approval on the bus so the commission worker can
// reconcile. Publishing is best effort: the synchronous distribution above is
// the primary path, and losing the event only loses the healing path.
func (c *Coordinator) publishApproved(req model.RechargeRequest) {
	if c.bus == nil {
		return
	}
	approvedAt := time.Now().UTC()
	if req.DecidedAt != nil {
		approvedAt = *req.DecidedAt
	}
	data, err := json.Marshal(model.RechargeApprovedEvent{
		RechargeID: req.ID,
		UserID:     req.UserID,
		Amount:     req.Amount,
		DecidedBy:  req.DecidedBy,
		ApprovedAt: approvedAt,
	})
	if err != nil {
		slog.Error("marshal recharge approved event", "recharge_id", req.ID, "error", err)
		return
	}
	if err := c.bus.Publish(repository.TopicRechargeApproved, data); err != nil {
		slog.Warn("publish recharge approved event", "recharge_id", req.ID, "error", err)
	}
}
