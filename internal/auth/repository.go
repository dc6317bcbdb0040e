package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// Repository is the Postgres-backed credential store, refresh token registry
// table and login lockout table.
type Repository struct {
	db *sql.DB
}

type CleanupResult struct {
	DeletedLoginAttempts int64 `json:"deleted_login_attempts"`
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, username, email, password_hash, first_name, last_name, oauth_provider, last_login_at, created_at, updated_at`

func (r *Repository) GetByUsername(ctx context.Context, username string) (User, error) {
	return r.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (User, error) {
	return r.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *Repository) GetByID(ctx context.Context, id string) (User, error) {
	return r.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *Repository) getUser(ctx context.Context, query string, arg string) (User, error) {
	var user User
	var lastLogin sql.NullTime
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.FirstName,
		&user.LastName,
		&user.OAuthProvider,
		&lastLogin,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, storeError("query user", err)
	}
	if lastLogin.Valid {
		value := lastLogin.Time.UTC()
		user.LastLoginAt = &value
	}

	return user, nil
}

func (r *Repository) CreateUser(ctx context.Context, input NewUser) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := time.Now().UTC()
	user := User{
		ID:            id.String(),
		Username:      input.Username,
		Email:         input.Email,
		PasswordHash:  input.PasswordHash,
		FirstName:     input.FirstName,
		LastName:      input.LastName,
		OAuthProvider: input.OAuthProvider,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, first_name, last_name, oauth_provider, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, user.ID, user.Username, user.Email, user.PasswordHash, user.FirstName, user.LastName, user.OAuthProvider, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return User{}, ErrIdentityTaken
		}
		return User{}, storeError("insert user", err)
	}

	return user, nil
}

func (r *Repository) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, userID, passwordHash, time.Now().UTC())
	if err != nil {
		return storeError("update password hash", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return storeError("update password hash rows affected", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}

	return nil
}

func (r *Repository) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET last_login_at = $2
		WHERE id = $1
	`, userID, at.UTC())
	if err != nil {
		return storeError("update last login", err)
	}

	return nil
}

func (r *Repository) GetLoginAttempt(ctx context.Context, username string) (LoginAttempt, error) {
	var attempt LoginAttempt
	attempt.Username = username

	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE username = $1
	`, username).Scan(&attempt.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attempt, nil
		}
		return LoginAttempt{}, storeError("query login attempt", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return attempt, nil
}

// RegisterFailedAttempt increments the failure counter under a row lock and
// returns the lock deadline once maxAttempts is reached.
func (r *Repository) RegisterFailedAttempt(ctx context.Context, username string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError("begin login attempt tx", err)
	}
	defer tx.Rollback()

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE username = $1
		FOR UPDATE
	`, username).Scan(&failed, &lockedUntil)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, storeError("lock login attempt row", err)
	}

	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		until := lockedUntil.Time.UTC()
		if err := tx.Commit(); err != nil {
			return nil, storeError("commit existing lock tx", err)
		}
		return &until, nil
	}

	failed++
	var nextLock *time.Time
	var nextLockValue any
	if failed >= maxAttempts {
		until := now.UTC().Add(lockDuration)
		nextLock = &until
		nextLockValue = until
		failed = 0
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_login_attempts (username, failed_attempts, locked_until, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username)
		DO UPDATE SET
			failed_attempts = EXCLUDED.failed_attempts,
			locked_until = EXCLUDED.locked_until,
			updated_at = EXCLUDED.updated_at
	`, username, failed, nextLockValue, now.UTC())
	if err != nil {
		return nil, storeError("upsert failed login attempt", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeError("commit login attempt tx", err)
	}

	return nextLock, nil
}

func (r *Repository) ResetLoginAttempt(ctx context.Context, username string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM auth_login_attempts
		WHERE username = $1
	`, username)
	if err != nil {
		return storeError("reset login attempts", err)
	}

	return nil
}

func (r *Repository) CreateRefreshToken(ctx context.Context, record RefreshTokenRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`, record.ID, record.UserID, record.IssuedAt.UTC(), record.ExpiresAt.UTC())
	if err != nil {
		return storeError("insert refresh token", err)
	}

	return nil
}

func (r *Repository) GetRefreshToken(ctx context.Context, id string) (RefreshTokenRecord, error) {
	record := RefreshTokenRecord{ID: id}
	var revokedAt sql.NullTime
	var replacedBy sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, issued_at, expires_at, revoked_at, replaced_by
		FROM auth_refresh_tokens
		WHERE id = $1
	`, id).Scan(&record.UserID, &record.IssuedAt, &record.ExpiresAt, &revokedAt, &replacedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshTokenRecord{}, ErrInvalidRefreshToken
		}
		return RefreshTokenRecord{}, storeError("read refresh token", err)
	}
	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		record.RevokedAt = &value
	}
	record.ReplacedBy = replacedBy.String

	return record, nil
}

// RotateRefreshToken revokes oldID and inserts next in one transaction. The
// old row is locked first, so of two concurrent rotations only one sees it
// unrevoked; the other gets ErrInvalidRefreshToken.
func (r *Repository) RotateRefreshToken(ctx context.Context, oldID string, next RefreshTokenRecord, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin refresh rotation tx", err)
	}
	defer tx.Rollback()

	var userID string
	var expiresAt time.Time
	var revokedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, expires_at, revoked_at
		FROM auth_refresh_tokens
		WHERE id = $1
		FOR UPDATE
	`, oldID).Scan(&userID, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidRefreshToken
		}
		return storeError("read refresh token", err)
	}

	if revokedAt.Valid {
		return fmt.Errorf("%w: %w", ErrInvalidRefreshToken, ErrRevokedToken)
	}
	if !now.Before(expiresAt) || userID != next.UserID {
		return ErrInvalidRefreshToken
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`, next.ID, next.UserID, next.IssuedAt.UTC(), next.ExpiresAt.UTC())
	if err != nil {
		return storeError("insert rotated refresh token", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2, replaced_by = $3
		WHERE id = $1
	`, oldID, now.UTC(), next.ID)
	if err != nil {
		return storeError("revoke old refresh token", err)
	}

	if err := tx.Commit(); err != nil {
		return storeError("commit refresh rotation tx", err)
	}

	return nil
}

// RevokeRefreshToken marks the record revoked. Revoking twice keeps the first
// timestamp.
func (r *Repository) RevokeRefreshToken(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE id = $1
	`, id, now.UTC())
	if err != nil {
		return storeError("revoke refresh token", err)
	}

	return nil
}

func (r *Repository) RevokeUserRefreshTokens(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
	`, userID, now.UTC())
	if err != nil {
		return 0, storeError("revoke user refresh tokens", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storeError("revoke user refresh tokens rows affected", err)
	}

	return affected, nil
}

// CleanupStaleLoginAttempts removes lockout rows that have been idle past
// retention and are not currently locked. Refresh token rows are kept as an
// audit trail.
func (r *Repository) CleanupStaleLoginAttempts(ctx context.Context, retention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	cutoff := time.Now().UTC().Add(-retention)
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT username
			FROM auth_login_attempts
			WHERE updated_at < $1
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_attempts t
		USING stale
		WHERE t.username = stale.username
	`, cutoff, batchSize)
	if err != nil {
		return CleanupResult{}, storeError("delete stale login attempts", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return CleanupResult{}, storeError("stale login attempts rows affected", err)
	}

	return CleanupResult{DeletedLoginAttempts: affected}, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
