package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"settlo/internal/model"
	"settlo/internal/repository"
	"settlo/internal/service"
)

type Handler struct {
	svc service.Settlement
}

func NewHandler(svc service.Settlement) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /recharges", h.SubmitRecharge)
	mux.HandleFunc("POST /withdrawals", h.SubmitWithdraw)
	mux.HandleFunc("GET /recharges/pending", h.ListPendingRecharges)
	mux.HandleFunc("GET /withdrawals/pending", h.ListPendingWithdrawals)
	mux.HandleFunc("POST /recharges/{id}/decision", h.DecideRecharge)
	mux.HandleFunc("POST /withdrawals/{id}/decision", h.DecideWithdraw)
	mux.HandleFunc("GET /wallets/{user_id}/balance", h.WalletBalance)
	mux.HandleFunc("GET /recharges/{id}/commissions", h.ListCommissions)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) SubmitRecharge(w http.ResponseWriter, r *http.Request) {
	var in model.SubmitRechargeInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	req, err := h.svc.SubmitRecharge(r.Context(), in)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, req)
}

func (h *Handler) SubmitWithdraw(w http.ResponseWriter, r *http.Request) {
	var in model.SubmitWithdrawInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	req, err := h.svc.SubmitWithdraw(r.Context(), in)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, req)
}

type decisionRequest struct {
	Decision model.Decision `json:"decision"`
	Actor    string         `json:"actor"`
}

type pageResponse struct {
	Items any          `json:"items"`
	Next  model.Cursor `json:"next_cursor"`
}

func (h *Handler) DecideRecharge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var body decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if !body.Decision.Valid() {
		h.respondError(w, http.StatusBadRequest, "invalid_decision")
		return
	}
	req, err := h.svc.DecideRecharge(r.Context(), id, body.Decision, body.Actor)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, req)
}

func (h *Handler) DecideWithdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var body decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if !body.Decision.Valid() {
		h.respondError(w, http.StatusBadRequest, "invalid_decision")
		return
	}
	req, err := h.svc.DecideWithdraw(r.Context(), id, body.Decision, body.Actor)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, req)
}

func (h *Handler) ListPendingRecharges(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := pageParams(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_cursor")
		return
	}
	items, next, err := h.svc.ListPendingRecharges(r.Context(), cursor, limit)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, pageResponse{Items: items, Next: next})
}

func (h *Handler) ListPendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := pageParams(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_cursor")
		return
	}
	items, next, err := h.svc.ListPendingWithdrawals(r.Context(), cursor, limit)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, pageResponse{Items: items, Next: next})
}

func (h *Handler) WalletBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "user_id")
	if !ok {
		return
	}
	balance, err := h.svc.WalletBalance(r.Context(), userID)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int64{"user_id": userID, "balance": balance})
}

func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	events, err := h.svc.ListCommissionEvents(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, events)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "invalid_id")
		return 0, false
	}
	return id, true
}

func pageParams(r *http.Request) (model.Cursor, int, error) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	cursor := model.Cursor{}
	if raw := q.Get("after_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return model.Cursor{}, 0, err
		}
		ts, err := time.Parse(time.RFC3339Nano, q.Get("after_ts"))
		if err != nil {
			return model.Cursor{}, 0, err
		}
		cursor = model.Cursor{SubmittedAt: ts, ID: id}
	}
	return cursor, limit, nil
}

// respondDomainError maps the error taxonomy onto HTTP statuses: expected
// domain outcomes become 4xx, exhausted retries 503, the rest 500.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrUserNotFound):
		h.respondError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, repository.ErrAlreadyDecided):
		h.respondError(w, http.StatusConflict, "already_decided")
	case errors.Is(err, repository.ErrDuplicateRequest):
		h.respondError(w, http.StatusConflict, "duplicate_request")
	case errors.Is(err, repository.ErrInsufficientFunds):
		h.respondError(w, http.StatusConflict, "insufficient_funds")
	case errors.Is(err, service.ErrUnavailable):
		h.respondError(w, http.StatusServiceUnavailable, "unavailable")
	default:
		slog.Error("http: internal error", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error")
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
