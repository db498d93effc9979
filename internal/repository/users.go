package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"settlo/internal/model"
)

const userColumns = `id, name, mobile, status, vip_level, referrer_id, balance, created_at`

// User rows are owned by the external user-management collaborator; the
// engine only reads them (and moves balance through the ledger). CreateUser
// exists for that collaborator and for test seeding.
func (s *Store) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	status := u.Status
	if status == "" {
		status = model.UserActive
	}
	var out model.User
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, name, mobile, status, vip_level, referrer_id, balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+userColumns,
		u.ID, u.Name, u.Mobile, status, u.VIPLevel, u.ReferrerID, u.Balance,
	).Scan(userFields(&out)...)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, fmt.Errorf("user %d already exists", u.ID)
		}
		return model.User{}, err
	}
	return out, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id).Scan(userFields(&u)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrUserNotFound
		}
		return model.User{}, err
	}
	return u, nil
}

// Referrer returns the id of the user who referred the given user.
// ok is false for root users (no referrer).
func (s *Store) Referrer(ctx context.Context, id int64) (referrerID int64, ok bool, err error) {
	var ref *int64
	err = s.pool.QueryRow(ctx, `SELECT referrer_id FROM users WHERE id = $1`, id).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, ErrUserNotFound
		}
		return 0, false, err
	}
	if ref == nil {
		return 0, false, nil
	}
	return *ref, true, nil
}

func (s *Store) IsActive(ctx context.Context, id int64) (bool, error) {
	var status model.UserStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM users WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrUserNotFound
		}
		return false, err
	}
	return status == model.UserActive, nil
}

// SetUserStatus flips the Active/Blocked flag. Blocked users keep their
// balance; they just stop earning commissions.
func (s *Store) SetUserStatus(ctx context.Context, id int64, status model.UserStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func userFields(u *model.User) []any {
	return []any{&u.ID, &u.Name, &u.Mobile, &u.Status, &u.VIPLevel, &u.ReferrerID, &u.Balance, &u.CreatedAt}
}
