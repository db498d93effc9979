package repository

import "errors"

// Expected domain outcomes. Callers branch on these with errors.Is;
// anything else coming out of the store is an infrastructure failure.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyDecided    = errors.New("request already decided")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrNotFound          = errors.New("request not found")
	ErrUserNotFound      = errors.New("user not found")
)
