package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/parish-admin-api/internal/models"
)

// ErrRefreshTokenConsumed signals that the conditional revoke of a refresh
// record matched no row: another request rotated or revoked it first.
var ErrRefreshTokenConsumed = errors.New("refresh token already consumed")

const refreshTokenColumns = `id, user_id, token, jti, expires_at, created_at, revoked, revoked_at, ip_address, user_agent`

const insertRefreshTokenQuery = `INSERT INTO refresh_tokens (id, user_id, token, jti, expires_at, created_at, revoked, revoked_at, ip_address, user_agent) VALUES (:id, :user_id, :token, :jti, :expires_at, :created_at, :revoked, :revoked_at, :ip_address, :user_agent)`

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// RefreshTokenRepository is the durable store of issued refresh credentials.
type RefreshTokenRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewRefreshTokenRepository creates a new refresh token repository.
func NewRefreshTokenRepository(db *sqlx.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Put inserts a new refresh record.
func (r *RefreshTokenRepository) Put(ctx context.Context, token *models.RefreshToken) error {
	prepareRefreshToken(token, r.now())
	if _, err := r.db.NamedExecContext(ctx, insertRefreshTokenQuery, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindByJTI returns the record owned by userID carrying jti.
func (r *RefreshTokenRepository) FindByJTI(ctx context.Context, jti, userID string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE jti = $1 AND user_id = $2 LIMIT 1`
	return r.get(ctx, "find refresh token by jti", query, jti, userID)
}

// FindByJTIAny returns the record carrying jti regardless of owner.
func (r *RefreshTokenRepository) FindByJTIAny(ctx context.Context, jti string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE jti = $1 LIMIT 1`
	return r.get(ctx, "find refresh token by jti", query, jti)
}

// FindByRaw looks a record up by its raw token material.
//
// Transitional: only rows written before jti tracking need it. Remove once
// cmd/backfill-jti has run everywhere. The HTTP refresh route never gets here
// for such rows: RefreshJWT refuses a credential whose jti has no record.
func (r *RefreshTokenRepository) FindByRaw(ctx context.Context, token, userID string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token = $1 AND user_id = $2 LIMIT 1`
	return r.get(ctx, "find refresh token by value", query, token, userID)
}

// Lookup resolves a presented refresh credential: by jti first, then by raw
// token for legacy rows. sql.ErrNoRows is returned when neither matches.
func (r *RefreshTokenRepository) Lookup(ctx context.Context, jti, raw, userID string) (*models.RefreshToken, error) {
	if jti != "" {
		record, err := r.FindByJTI(ctx, jti, userID)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	if raw == "" {
		return nil, sql.ErrNoRows
	}
	return r.FindByRaw(ctx, raw, userID)
}

// RevokeAllActive revokes every live record of userID and returns how many
// rows changed.
func (r *RefreshTokenRepository) RevokeAllActive(ctx context.Context, userID string) (int64, error) {
	return revokeAllActive(ctx, r.db, userID, r.now())
}

// Revoke flips a single record to revoked. It is a compare-and-swap on the
// revoked flag: ErrRefreshTokenConsumed is returned when the row was already
// revoked.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, token *models.RefreshToken) error {
	revokedAt := r.now()
	if err := revokeIfActive(ctx, r.db, token.ID, revokedAt); err != nil {
		return err
	}
	token.Revoked = true
	token.RevokedAt = &revokedAt
	return nil
}

// ReplaceActive revokes the live records of token.UserID and inserts token in
// one transaction. A concurrent writer that slipped a live row in between
// trips the one-active-per-user index; the transaction is then replayed once
// so the latest login wins.
func (r *RefreshTokenRepository) ReplaceActive(ctx context.Context, token *models.RefreshToken) (int64, error) {
	revoked, err := r.replaceActive(ctx, token)
	if err != nil && isUniqueViolation(err) {
		revoked, err = r.replaceActive(ctx, token)
	}
	return revoked, err
}

func (r *RefreshTokenRepository) replaceActive(ctx context.Context, token *models.RefreshToken) (revoked int64, err error) {
	now := r.now()
	prepareRefreshToken(token, now)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin replace refresh token tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if revoked, err = revokeAllActive(ctx, tx, token.UserID, now); err != nil {
		return 0, err
	}
	if _, err = tx.NamedExecContext(ctx, insertRefreshTokenQuery, token); err != nil {
		return 0, fmt.Errorf("create refresh token: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit replace refresh token tx: %w", err)
	}
	return revoked, nil
}

// Rotate revokes old and inserts next atomically. If old is no longer live
// the transaction is rolled back and ErrRefreshTokenConsumed returned, so of
// two concurrent rotations of one record exactly one commits.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, old, next *models.RefreshToken) (err error) {
	now := r.now()
	prepareRefreshToken(next, now)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate refresh token tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = revokeIfActive(ctx, tx, old.ID, now); err != nil {
		return err
	}
	if _, err = tx.NamedExecContext(ctx, insertRefreshTokenQuery, next); err != nil {
		if isUniqueViolation(err) {
			// a concurrent login already installed a new live record.
			return ErrRefreshTokenConsumed
		}
		return fmt.Errorf("create refresh token: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate refresh token tx: %w", err)
	}

	old.Revoked = true
	old.RevokedAt = &now
	return nil
}

// ListMissingJTI returns up to limit legacy records without a token identifier.
func (r *RefreshTokenRepository) ListMissingJTI(ctx context.Context, limit int) ([]models.RefreshToken, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE jti IS NULL ORDER BY created_at LIMIT $1`
	var tokens []models.RefreshToken
	if err := r.db.SelectContext(ctx, &tokens, query, limit); err != nil {
		return nil, fmt.Errorf("list refresh tokens missing jti: %w", err)
	}
	return tokens, nil
}

// SetJTI backfills the token identifier of a legacy record.
func (r *RefreshTokenRepository) SetJTI(ctx context.Context, id, jti string) error {
	const query = `UPDATE refresh_tokens SET jti = $2 WHERE id = $1 AND jti IS NULL`
	if _, err := r.db.ExecContext(ctx, query, id, jti); err != nil {
		return fmt.Errorf("set refresh token jti: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) get(ctx context.Context, op, query string, args ...interface{}) (*models.RefreshToken, error) {
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &rt, nil
}

func revokeAllActive(ctx context.Context, db sqlx.ExtContext, userID string, revokedAt time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE user_id = $1 AND revoked = FALSE`
	res, err := db.ExecContext(ctx, query, userID, revokedAt)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return affected, nil
}

func revokeIfActive(ctx context.Context, db sqlx.ExtContext, id string, revokedAt time.Time) error {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE id = $1 AND revoked = FALSE`
	res, err := db.ExecContext(ctx, query, id, revokedAt)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	if affected == 0 {
		return ErrRefreshTokenConsumed
	}
	return nil
}

func prepareRefreshToken(token *models.RefreshToken, now time.Time) {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
