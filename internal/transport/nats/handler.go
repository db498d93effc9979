package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"settlo/internal/model"
	"settlo/internal/service"
)

// Handler subscribes to NATS decision command topics and delegates to the
// settlement service. Commands are fire-and-forget: outcomes land in the
// store and on the event topics, not in a reply.
type Handler struct {
	svc  service.Settlement
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewHandler(svc service.Settlement, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

type decideCommand struct {
	RequestID int64          `json:"request_id"`
	Decision  model.Decision `json:"decision"`
	Actor     string         `json:"actor"`
}

// Start subscribes to command topics and blocks until ctx is cancelled
// (graceful shutdown).
func (h *Handler) Start(ctx context.Context) error {
	s1, err := h.nc.QueueSubscribe("commands.decide_recharge", "settlement_group", func(m *nats.Msg) {
		var cmd decideCommand
		if err := json.Unmarshal(m.Data, &cmd); err != nil {
			slog.Error("nats: failed to unmarshal decide_recharge command", "error", err)
			return
		}
		if _, err := h.svc.DecideRecharge(ctx, cmd.RequestID, cmd.Decision, cmd.Actor); err != nil {
			slog.Error("nats: decide_recharge failed", "error", err, "request_id", cmd.RequestID)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s1)

	s2, err := h.nc.QueueSubscribe("commands.decide_withdraw", "settlement_group", func(m *nats.Msg) {
		var cmd decideCommand
		if err := json.Unmarshal(m.Data, &cmd); err != nil {
			slog.Error("nats: failed to unmarshal decide_withdraw command", "error", err)
			return
		}
		if _, err := h.svc.DecideWithdraw(ctx, cmd.RequestID, cmd.Decision, cmd.Actor); err != nil {
			slog.Error("nats: decide_withdraw failed", "error", err, "request_id", cmd.RequestID)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s2)

	slog.Info("NATS decision handler is running")

	// Block until context is cancelled.
	<-ctx.Done()
	slog.Info("NATS decision handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}
