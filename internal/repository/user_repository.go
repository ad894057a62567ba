package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/parish-admin-api/internal/models"
)

const userColumns = `id, email, password_hash, full_name, role, active, last_login, last_activity, created_at, updated_at`

// UserRepository reads principals and maintains their session timestamps.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByEmail returns a user by email address, compared case-insensitively.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, strings.ToLower(strings.TrimSpace(email))); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &user, nil
}

// FindByID returns a user by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return &user, nil
}

// UpdateLastLogin updates the last_login timestamp for a user.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	const query = `UPDATE users SET last_login = $2, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, ts); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// LastActivity returns the activity mark of a user; nil when never recorded
// or when the user does not exist.
func (r *UserRepository) LastActivity(ctx context.Context, id string) (*time.Time, error) {
	const query = `SELECT last_activity FROM users WHERE id = $1`
	var ts sql.NullTime
	if err := r.db.GetContext(ctx, &ts, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get last activity: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	mark := ts.Time.UTC()
	return &mark, nil
}

// TouchActivity records ts as the latest activity of a user. It does not bump
// updated_at so activity does not look like a profile edit.
func (r *UserRepository) TouchActivity(ctx context.Context, id string, ts time.Time) error {
	const query = `UPDATE users SET last_activity = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, ts); err != nil {
		return fmt.Errorf("update last activity: %w", err)
	}
	return nil
}
