package model

import "time"

type UserStatus string

const (
	UserActive  UserStatus = "Active"
	UserBlocked UserStatus = "Blocked"
)

type RequestStatus string

const (
	StatusPending  RequestStatus = "Pending"
	StatusApproved RequestStatus = "Approved"
	StatusRejected RequestStatus = "Rejected"
)

// Terminal reports whether a request status can no longer change.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

type Decision string

const (
	DecisionApprove Decision = "Approve"
	DecisionReject  Decision = "Reject"
)

func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Reason classifies a ledger entry.
type Reason string

const (
	ReasonRechargeCredit   Reason = "RechargeCredit"
	ReasonWithdrawDebit    Reason = "WithdrawDebit"
	ReasonCommissionCredit Reason = "CommissionCredit"
)

// User is a wallet holder. Balance is a cached running total in minor
// currency units, reconciled against the sum of the user's ledger entries.
// Rows are created by the external user-management collaborator and are
// never deleted, only status-flagged.
type User struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Mobile     string     `json:"mobile"`
	Status     UserStatus `json:"status"`
	VIPLevel   int        `json:"vip_level"`
	ReferrerID *int64     `json:"referrer_id,omitempty"`
	Balance    int64      `json:"balance"`
	CreatedAt  time.Time  `json:"created_at"`
}

type RechargeRequest struct {
	ID          int64         `json:"id"`
	UserID      int64         `json:"user_id"`
	Amount      int64         `json:"amount"`
	Channel     string        `json:"channel"`
	ChannelRef  string        `json:"channel_ref"`
	Status      RequestStatus `json:"status"`
	SubmittedAt time.Time     `json:"submitted_at"`
	DecidedAt   *time.Time    `json:"decided_at,omitempty"`
	DecidedBy   string        `json:"decided_by,omitempty"`
}

type WithdrawRequest struct {
	ID          int64         `json:"id"`
	UserID      int64         `json:"user_id"`
	Amount      int64         `json:"amount"`
	BankDetails string        `json:"bank_details"`
	Status      RequestStatus `json:"status"`
	SubmittedAt time.Time     `json:"submitted_at"`
	DecidedAt   *time.Time    `json:"decided_at,omitempty"`
	DecidedBy   string        `json:"decided_by,omitempty"`
}

// CommissionEvent records one referral payout for an approved recharge.
// Immutable once created; at most one event per (recharge, level).
type CommissionEvent struct {
	ID            int64     `json:"id"`
	RechargeID    int64     `json:"recharge_id"`
	BeneficiaryID int64     `json:"beneficiary_id"`
	Level         int       `json:"level"`
	BasisPoints   int32     `json:"basis_points"`
	Amount        int64     `json:"amount"`
	CreatedAt     time.Time `json:"created_at"`
}

// LedgerEntry is one immutable signed balance-affecting record. The
// correlation id makes the write idempotent: replaying it returns the
// original entry instead of applying a second delta.
type LedgerEntry struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Delta         int64     `json:"delta"`
	Reason        Reason    `json:"reason"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

type SubmitRechargeInput struct {
	UserID     int64  `json:"user_id"`
	Amount     int64  `json:"amount"`
	Channel    string `json:"channel"`
	ChannelRef string `json:"channel_ref"`
}

type SubmitWithdrawInput struct {
	UserID      int64  `json:"user_id"`
	Amount      int64  `json:"amount"`
	BankDetails string `json:"bank_details"`
}

// Cursor is a keyset-pagination position over pending requests,
// ordered by (submitted_at, id) ascending. The zero value starts
// from the oldest pending request.
type Cursor struct {
	SubmittedAt time.Time `json:"submitted_at"`
	ID          int64     `json:"id"`
}

func (c Cursor) IsZero() bool {
	return c.ID == 0 && c.SubmittedAt.IsZero()
}

// RechargeApprovedEvent is published on the bus after a recharge approval
// commits. The commission worker consumes it to (re)run distribution.
type RechargeApprovedEvent struct {
	RechargeID int64     `json:"recharge_id"`
	UserID     int64     `json:"user_id"`
	Amount     int64     `json:"amount"`
	DecidedBy  string    `json:"decided_by"`
	ApprovedAt time.Time `json:"approved_at"`
}
