package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"settlo/internal/model"
	"settlo/internal/repository"
	"settlo/internal/service"
)

// CommissionWorker listens for approved-recharge events and re-runs
// commission distribution for each. Payouts are keyed by (recharge, level),
// so re-running a distribution the coordinator already finished is a no-op;
// what this worker actually heals are distributions interrupted mid-flight.
type CommissionWorker struct {
	svc      service.Settlement
	natsConn *nats.Conn
}

func NewCommissionWorker(svc service.Settlement, nc *nats.Conn) *CommissionWorker {
	return &CommissionWorker{
		svc:      svc,
		natsConn: nc,
	}
}

// Run subscribes to the approval topic and blocks until ctx is cancelled.
func (w *CommissionWorker) Run(ctx context.Context) error {
	// QueueSubscribe: with several engine replicas running, each approval
	// event is delivered to exactly one worker in the group.
	sub, err := w.natsConn.QueueSubscribe(repository.TopicRechargeApproved, "commission_workers", func(m *nats.Msg) {
		var event model.RechargeApprovedEvent
		if err := json.Unmarshal(m.Data, &event); err != nil {
			slog.Error("worker: failed to unmarshal approval event", "error", err)
			return
		}

		if err := w.svc.DistributeCommissions(ctx, event.RechargeID); err != nil {
			slog.Error("worker: commission distribution failed",
				"recharge_id", event.RechargeID,
				"user_id", event.UserID,
				"error", err,
			)
			return
		}

		slog.Info("worker: commissions reconciled",
			"recharge_id", event.RechargeID,
			"user_id", event.UserID,
		)
	})

	if err != nil {
		return fmt.Errorf("worker: failed to subscribe to NATS: %w", err)
	}

	slog.Info("Commission worker is running")

	// Wait for shutdown signal.
	<-ctx.Done()

	slog.Info("Worker received shutdown signal, draining subscription...")
	// Close subscription gracefully, waiting for current processing to complete.
	return sub.Drain()
}

// Start implements the infrastructure.Server interface.
func (w *CommissionWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *CommissionWorker) Stop(ctx context.Context) error {
	return nil
}
