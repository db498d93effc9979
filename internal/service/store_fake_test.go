package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"settlo/internal/model"
	"settlo/internal/repository"
)

// fakeStore is an in-memory stand-in for *repository.Store with the same
// transition, idempotency and rollback semantics.
type fakeStore struct {
	mu        sync.Mutex
	users     map[int64]*model.User
	recharges map[int64]*model.RechargeRequest
	withdraws map[int64]*model.WithdrawRequest
	entries   map[string]model.LedgerEntry   // keyed by correlation id
	events    map[string]model.CommissionEvent // keyed by "rechargeID:level"
	nextID    int64
	clock     time.Time

	// failuresLeft makes the next N calls fail with a transient error,
	// for exercising the coordinator's retry path.
	failuresLeft int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[int64]*model.User),
		recharges: make(map[int64]*model.RechargeRequest),
		withdraws: make(map[int64]*model.WithdrawRequest),
		entries:   make(map[string]model.LedgerEntry),
		events:    make(map[string]model.CommissionEvent),
		clock:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

var errStoreDown = errors.New("store down")

func (f *fakeStore) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failuresLeft = n
}

func (f *fakeStore) transientFailure() error {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return errStoreDown
	}
	return nil
}

func (f *fakeStore) addUser(id int64, balance int64, status model.UserStatus, referrer *int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id] = &model.User{ID: id, Balance: balance, Status: status, ReferrerID: referrer}
}

func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeStore) SubmitRecharge(ctx context.Context, in model.SubmitRechargeInput) (model.RechargeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transientFailure(); err != nil {
		return model.RechargeRequest{}, err
	}
	for _, r := range f.recharges {
		if r.ChannelRef == in.ChannelRef {
			return model.RechargeRequest{}, repository.ErrDuplicateRequest
		}
	}
	f.nextID++
	req := model.RechargeRequest{
		ID:          f.nextID,
		UserID:      in.UserID,
		Amount:      in.Amount,
		Channel:     in.Channel,
		ChannelRef:  in.ChannelRef,
		Status:      model.StatusPending,
		SubmittedAt: f.tick(),
	}
	f.recharges[req.ID] = &req
	return req, nil
}

func (f *fakeStore) SubmitWithdraw(ctx context.Context, in model.SubmitWithdrawInput) (model.WithdrawRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transientFailure(); err != nil {
		return model.WithdrawRequest{}, err
	}
	f.nextID++
	req := model.WithdrawRequest{
		ID:          f.nextID,
		UserID:      in.UserID,
		Amount:      in.Amount,
		BankDetails: in.BankDetails,
		Status:      model.StatusPending,
		SubmittedAt: f.tick(),
	}
	f.withdraws[req.ID] = &req
	return req, nil
}

func (f *fakeStore) GetRecharge(ctx context.Context, id int64) (model.RechargeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recharges[id]
	if !ok {
		return model.RechargeRequest{}, repository.ErrNotFound
	}
	return *r, nil
}

func (f *fakeStore) GetWithdraw(ctx context.Context, id int64) (model.WithdrawRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.withdraws[id]
	if !ok {
		return model.WithdrawRequest{}, repository.ErrNotFound
	}
	return *r, nil
}

// applyDelta mirrors the store's single write path: idempotent per
// correlation id, never letting a balance go negative.
func (f *fakeStore) applyDelta(userID, delta int64, reason model.Reason, correlationID string) (model.LedgerEntry, error) {
	u, ok := f.users[userID]
	if !ok {
		return model.LedgerEntry{}, repository.ErrUserNotFound
	}
	if prior, ok := f.entries[correlationID]; ok {
		return prior, nil
	}
	if delta < 0 && u.Balance+delta < 0 {
		return model.LedgerEntry{}, repository.ErrInsufficientFunds
	}
	f.nextID++
	entry := model.LedgerEntry{
		ID:            f.nextID,
		UserID:        userID,
		Delta:         delta,
		Reason:        reason,
		CorrelationID: correlationID,
		CreatedAt:     f.tick(),
	}
	f.entries[correlationID] = entry
	u.Balance += delta
	return entry, nil
}

func (f *fakeStore) ApproveRecharge(ctx context.Context, id int64, actor string) (model.RechargeRequest, model.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transientFailure(); err != nil {
		return model.RechargeRequest{}, model.LedgerEntry{}, err
	}
	r, ok := f.recharges[id]
	if !ok {
		return model.RechargeRequest{}, model.LedgerEntry{}, repository.ErrNotFound
	}
	if r.Status != model.StatusPending {
		return model.RechargeRequest{}, model.LedgerEntry{}, repository.ErrAlreadyDecided
	}
	entry, err := f.applyDelta(r.UserID, r.Amount, model.ReasonRechargeCredit, repository.RechargeCorrelation(id))
	if err != nil {
		return model.RechargeRequest{}, model.LedgerEntry{}, err
	}
	now := f.tick()
	r.Status = model.StatusApproved
	r.DecidedAt = &now
	r.DecidedBy = actor
	return *r, entry, nil
}

func (f *fakeStore) RejectRecharge(ctx context.Context, id int64, actor string) (model.RechargeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transientFailure(); err != nil {
		return model.RechargeRequest{}, err
	}
	r, ok := f.recharges[id]
	if !ok {
		return model.RechargeRequest{}, repository.ErrNotFound
	}
	if r.Status != model.StatusPending {
		return model.RechargeRequest{}, repository.ErrAlreadyDecided
	}
	now := f.tick()
	r.Status = model.StatusRejected
	r.DecidedAt = &now
	r.DecidedBy = actor
	return *r, nil
}

func (f *fakeStore) ApproveWithdraw(ctx context.Context, id int64, actor string) (model.WithdrawRequest, model.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transientFailure(); err != nil {
		return model.WithdrawRequest{}, model.LedgerEntry{}, err
	}
	r, ok := f.withdraws[id]
	if !ok {
		return model.WithdrawRequest{}, model.LedgerEntry{}, repository.ErrNotFound
	}
	if r.Status != model.StatusPending {
		return model.WithdrawRequest{}, model.LedgerEntry{}, repository.ErrAlreadyDecided
	}
	entry, err := f.applyDelta(r.UserID, -r.Amount, model.ReasonWithdrawDebit, repository.WithdrawCorrelation(id))
	if err != nil {
		// Transaction rollback: the request stays Pending.
		return model.WithdrawRequest{}, model.LedgerEntry{}, err
	}
	now := f.tick()
	r.Status = model.StatusApproved
	r.DecidedAt = &now
	r.DecidedBy = actor
	return *r, entry, nil
}

func (f *fakeStore) RejectWithdraw(ctx context.Context, id int64, actor string) (model.WithdrawRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transientFailure(); err != nil {
		return model.WithdrawRequest{}, err
	}
	r, ok := f.withdraws[id]
	if !ok {
		return model.WithdrawRequest{}, repository.ErrNotFound
	}
	if r.Status != model.StatusPending {
		return model.WithdrawRequest{}, repository.ErrAlreadyDecided
	}
	now := f.tick()
	r.Status = model.StatusRejected
	r.DecidedAt = &now
	r.DecidedBy = actor
	return *r, nil
}

func (f *fakeStore) ListPendingRecharges(ctx context.Context, cursor model.Cursor, limit int) ([]model.RechargeRequest, model.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var all []model.RechargeRequest
	for _, r := range f.recharges {
		if r.Status == model.StatusPending {
			all = append(all, *r)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].SubmittedAt.Equal(all[j].SubmittedAt) {
			return all[i].SubmittedAt.Before(all[j].SubmittedAt)
		}
		return all[i].ID < all[j].ID
	})
	var out []model.RechargeRequest
	next := model.Cursor{}
	for _, r := range all {
		if len(out) >= limit {
			break
		}
		if !cursor.IsZero() {
			if r.SubmittedAt.Before(cursor.SubmittedAt) ||
				(r.SubmittedAt.Equal(cursor.SubmittedAt) && r.ID <= cursor.ID) {
				continue
			}
		}
		out = append(out, r)
		next = model.Cursor{SubmittedAt: r.SubmittedAt, ID: r.ID}
	}
	return out, next, nil
}

func (f *fakeStore) ListPendingWithdrawals(ctx context.Context, cursor model.Cursor, limit int) ([]model.WithdrawRequest, model.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var all []model.WithdrawRequest
	for _, r := range f.withdraws {
		if r.Status == model.StatusPending {
			all = append(all, *r)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].SubmittedAt.Equal(all[j].SubmittedAt) {
			return all[i].SubmittedAt.Before(all[j].SubmittedAt)
		}
		return all[i].ID < all[j].ID
	})
	var out []model.WithdrawRequest
	next := model.Cursor{}
	for _, r := range all {
		if len(out) >= limit {
			break
		}
		if !cursor.IsZero() {
			if r.SubmittedAt.Before(cursor.SubmittedAt) ||
				(r.SubmittedAt.Equal(cursor.SubmittedAt) && r.ID <= cursor.ID) {
				continue
			}
		}
		out = append(out, r)
		next = model.Cursor{SubmittedAt: r.SubmittedAt, ID: r.ID}
	}
	return out, next, nil
}

func (f *fakeStore) BalanceOf(ctx context.Context, userID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return 0, repository.ErrUserNotFound
	}
	return u.Balance, nil
}

func (f *fakeStore) PayCommission(ctx context.Context, ev model.CommissionEvent) (model.CommissionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transientFailure(); err != nil {
		return model.CommissionEvent{}, err
	}
	key := fmt.Sprintf("%d:%d", ev.RechargeID, ev.Level)
	if prior, ok := f.events[key]; ok {
		if prior.BeneficiaryID != ev.BeneficiaryID || prior.Amount != ev.Amount {
			return model.CommissionEvent{}, fmt.Errorf("commission event diverged for %s", key)
		}
		return prior, nil
	}
	if _, err := f.applyDelta(ev.BeneficiaryID, ev.Amount, model.ReasonCommissionCredit,
		repository.CommissionCorrelation(ev.RechargeID, ev.Level)); err != nil {
		return model.CommissionEvent{}, err
	}
	f.nextID++
	ev.ID = f.nextID
	ev.CreatedAt = f.tick()
	f.events[key] = ev
	return ev, nil
}

func (f *fakeStore) ListCommissionEvents(ctx context.Context, rechargeID int64) ([]model.CommissionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.CommissionEvent
	for _, ev := range f.events {
		if ev.RechargeID == rechargeID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (f *fakeStore) Referrer(ctx context.Context, id int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return 0, false, repository.ErrUserNotFound
	}
	if u.ReferrerID == nil {
		return 0, false, nil
	}
	return *u.ReferrerID, true, nil
}

func (f *fakeStore) IsActive(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return false, repository.ErrUserNotFound
	}
	return u.Status == model.UserActive, nil
}

// ledgerSum is the conservation check: sum of all deltas must equal the sum
// of all balances minus seeded opening balances.
func (f *fakeStore) ledgerSum() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum int64
	for _, e := range f.entries {
		sum += e.Delta
	}
	return sum
}

func (f *fakeStore) balanceSum() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum int64
	for _, u := range f.users {
		sum += u.Balance
	}
	return sum
}

type fakeBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *fakeBus) Publish(topic string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	return nil
}
