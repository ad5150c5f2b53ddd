package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/celestya/backend/internal/domain/model"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func (r *UserRepo) CreateUser(ctx context.Context, user model.User, verification model.EmailVerification) (model.User, error) {
	if r.pool == nil {
		return model.User{}, fmt.Errorf("postgres pool is nil")
	}

	email := strings.ToLower(strings.TrimSpace(user.Email))
	if email == "" {
		return model.User{}, fmt.Errorf("invalid email")
	}

	created, err := scanUserRow(r.pool.QueryRow(ctx, `
INSERT INTO users (
	email,
	password_hash,
	email_verified,
	verification_code_hash,
	verification_code_expires_at,
	verification_link_hash,
	verification_link_expires_at,
	created_at,
	updated_at
) VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7, NOW(), NOW())
RETURNING id, email, password_hash, email_verified, created_at, updated_at
`,
		email,
		user.PasswordHash,
		user.EmailVerified,
		verification.CodeHash,
		nullableTime(verification.CodeExpiresAt),
		verification.LinkHash,
		nullableTime(verification.LinkExpiresAt),
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.User{}, model.ErrEmailTaken
		}
		return model.User{}, fmt.Errorf("create user: %w", err)
	}

	return created, nil
}

func (r *UserRepo) FindUserByEmail(ctx context.Context, email string) (model.User, error) {
	if r.pool == nil {
		return model.User{}, fmt.Errorf("postgres pool is nil")
	}

	user, err := scanUserRow(r.pool.QueryRow(ctx, `
SELECT id, email, password_hash, email_verified, created_at, updated_at
FROM users
WHERE email = $1
`, strings.ToLower(strings.TrimSpace(email))))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, model.ErrUserNotFound
		}
		return model.User{}, fmt.Errorf("find user by email: %w", err)
	}

	return user, nil
}

func (r *UserRepo) FindUserByVerificationLink(ctx context.Context, linkHash string) (model.User, model.EmailVerification, error) {
	if r.pool == nil {
		return model.User{}, model.EmailVerification{}, fmt.Errorf("postgres pool is nil")
	}
	if linkHash == "" {
		return model.User{}, model.EmailVerification{}, model.ErrUserNotFound
	}

	var (
		user         model.User
		verification model.EmailVerification
		codeHash     *string
		codeExpires  *time.Time
		linkExpires  *time.Time
	)
	err := r.pool.QueryRow(ctx, `
SELECT
	id,
	email,
	password_hash,
	email_verified,
	created_at,
	updated_at,
	verification_code_hash,
	verification_code_expires_at,
	verification_link_expires_at
FROM users
WHERE verification_link_hash = $1
`, linkHash).Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.EmailVerified,
		&user.CreatedAt,
		&user.UpdatedAt,
		&codeHash,
		&codeExpires,
		&linkExpires,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, model.EmailVerification{}, model.ErrUserNotFound
		}
		return model.User{}, model.EmailVerification{}, fmt.Errorf("find user by verification link: %w", err)
	}

	verification.LinkHash = linkHash
	verification.CodeHash = derefString(codeHash)
	verification.CodeExpiresAt = derefTime(codeExpires)
	verification.LinkExpiresAt = derefTime(linkExpires)
	return user, verification, nil
}

func (r *UserRepo) PendingVerification(ctx context.Context, userID int64) (model.EmailVerification, error) {
	if r.pool == nil {
		return model.EmailVerification{}, fmt.Errorf("postgres pool is nil")
	}

	var (
		codeHash, linkHash       *string
		codeExpires, linkExpires *time.Time
	)
	err := r.pool.QueryRow(ctx, `
SELECT
	verification_code_hash,
	verification_code_expires_at,
	verification_link_hash,
	verification_link_expires_at
FROM users
WHERE id = $1
`, userID).Scan(&codeHash, &codeExpires, &linkHash, &linkExpires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EmailVerification{}, model.ErrUserNotFound
		}
		return model.EmailVerification{}, fmt.Errorf("load pending verification: %w", err)
	}

	return model.EmailVerification{
		CodeHash:      derefString(codeHash),
		CodeExpiresAt: derefTime(codeExpires),
		LinkHash:      derefString(linkHash),
		LinkExpiresAt: derefTime(linkExpires),
	}, nil
}

func (r *UserRepo) SetVerification(ctx context.Context, userID int64, verification model.EmailVerification, at time.Time) error {
	if r.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE users
SET verification_code_hash = NULLIF($2, ''),
    verification_code_expires_at = $3,
    verification_link_hash = NULLIF($4, ''),
    verification_link_expires_at = $5,
    updated_at = $6
WHERE id = $1
`,
		userID,
		verification.CodeHash,
		nullableTime(verification.CodeExpiresAt),
		verification.LinkHash,
		nullableTime(verification.LinkExpiresAt),
		at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("set verification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrUserNotFound
	}

	return nil
}

// MarkEmailVerified flips the flag only while it is still false. The bool
// reports whether this call made the change.
func (r *UserRepo) MarkEmailVerified(ctx context.Context, userID int64, at time.Time) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE users
SET email_verified = TRUE,
    verification_code_hash = NULL,
    verification_code_expires_at = NULL,
    verification_link_hash = NULL,
    verification_link_expires_at = NULL,
    updated_at = $2
WHERE id = $1
  AND email_verified = FALSE
`, userID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark email verified: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check user exists: %w", err)
	}
	if !exists {
		return false, model.ErrUserNotFound
	}
	return false, nil
}

func (r *UserRepo) IsVerified(ctx context.Context, userID int64) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}

	var verified bool
	err := r.pool.QueryRow(ctx, `
SELECT email_verified
FROM users
WHERE id = $1
`, userID).Scan(&verified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, model.ErrUserNotFound
		}
		return false, fmt.Errorf("load user verification state: %w", err)
	}

	return verified, nil
}

func scanUserRow(row pgx.Row) (model.User, error) {
	var user model.User
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.EmailVerified,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return model.User{}, err
	}
	return user, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
