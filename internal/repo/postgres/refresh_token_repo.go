package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/celestya/backend/internal/domain/model"
	authsvc "github.com/celestya/backend/internal/services/auth"
)

const refreshTokenColumns = `
	id,
	owner_id,
	secret_hash,
	created_at,
	expires_at,
	last_used_at,
	revoked_at,
	replaced_by_hash,
	device_id,
	user_agent`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type RefreshTokenRepo struct {
	refreshTokenQueries
	pool      *pgxpool.Pool
	txTimeout time.Duration
}

func NewRefreshTokenRepo(pool *pgxpool.Pool, txTimeout time.Duration) *RefreshTokenRepo {
	return &RefreshTokenRepo{
		refreshTokenQueries: refreshTokenQueries{db: pool},
		pool:                pool,
		txTimeout:           txTimeout,
	}
}

// WithTx runs fn against a transaction-bound view of the ledger. Lookups in
// that view take a row lock, so concurrent rotations of one record serialize.
func (r *RefreshTokenRepo) WithTx(ctx context.Context, fn func(context.Context, authsvc.LedgerStore) error) error {
	return WithTxTimeout(ctx, r.pool, r.txTimeout, func(txCtx context.Context, tx pgx.Tx) error {
		return fn(txCtx, &refreshTokenQueries{db: tx, lockRows: true})
	})
}

func (r *RefreshTokenRepo) ListActiveForOwner(ctx context.Context, ownerID int64, now time.Time) ([]model.RefreshToken, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	rows, err := r.pool.Query(ctx, `
SELECT`+refreshTokenColumns+`
FROM refresh_tokens
WHERE owner_id = $1
  AND revoked_at IS NULL
  AND expires_at >= $2
ORDER BY created_at DESC, id DESC
`, ownerID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list active refresh tokens: %w", err)
	}
	defer rows.Close()

	out := make([]model.RefreshToken, 0)
	for rows.Next() {
		token, err := scanRefreshTokenRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		out = append(out, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh tokens: %w", err)
	}

	return out, nil
}

func (r *RefreshTokenRepo) Stats(ctx context.Context, now time.Time) (model.LedgerStats, error) {
	if r.pool == nil {
		return model.LedgerStats{}, fmt.Errorf("postgres pool is nil")
	}

	var stats model.LedgerStats
	err := r.pool.QueryRow(ctx, `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE revoked_at IS NULL AND expires_at >= $1),
	COUNT(*) FILTER (WHERE revoked_at IS NOT NULL AND replaced_by_hash IS NULL),
	COUNT(*) FILTER (WHERE revoked_at IS NOT NULL AND replaced_by_hash IS NOT NULL),
	COUNT(*) FILTER (WHERE revoked_at IS NULL AND expires_at < $1)
FROM refresh_tokens
`, now.UTC()).Scan(&stats.Total, &stats.Active, &stats.Revoked, &stats.Rotated, &stats.Expired)
	if err != nil {
		return model.LedgerStats{}, fmt.Errorf("refresh token stats: %w", err)
	}

	return stats, nil
}

// DeleteStaleForOwner removes records of one owner that expired or were
// revoked before cutoff.
func (r *RefreshTokenRepo) DeleteStaleForOwner(ctx context.Context, ownerID int64, cutoff time.Time) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}

	tag, err := r.pool.Exec(ctx, `
DELETE FROM refresh_tokens
WHERE owner_id = $1
  AND (expires_at < $2 OR (revoked_at IS NOT NULL AND revoked_at < $2))
`, ownerID, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens for owner: %w", err)
	}

	return tag.RowsAffected(), nil
}

func (r *RefreshTokenRepo) DeleteStale(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}
	if limit <= 0 {
		limit = 500
	}

	tag, err := r.pool.Exec(ctx, `
DELETE FROM refresh_tokens
WHERE id IN (
	SELECT id
	FROM refresh_tokens
	WHERE expires_at < $1
	   OR (revoked_at IS NOT NULL AND revoked_at < $1)
	ORDER BY id
	LIMIT $2
)
`, cutoff.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	return tag.RowsAffected(), nil
}

// RevokeExcessForOwner keeps the newest keep active records of the owner and
// revokes the rest.
func (r *RefreshTokenRepo) RevokeExcessForOwner(ctx context.Context, ownerID int64, keep int, now time.Time) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}
	if keep < 0 {
		keep = 0
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE refresh_tokens
SET revoked_at = $3
WHERE id IN (
	SELECT id
	FROM refresh_tokens
	WHERE owner_id = $1
	  AND revoked_at IS NULL
	  AND expires_at >= $3
	ORDER BY created_at DESC, id DESC
	OFFSET $2
)
  AND revoked_at IS NULL
`, ownerID, keep, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke excess refresh tokens: %w", err)
	}

	return tag.RowsAffected(), nil
}

func (r *RefreshTokenRepo) OwnersOverCap(ctx context.Context, keep int, now time.Time) ([]int64, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	rows, err := r.pool.Query(ctx, `
SELECT owner_id
FROM refresh_tokens
WHERE revoked_at IS NULL
  AND expires_at >= $2
GROUP BY owner_id
HAVING COUNT(*) > $1
ORDER BY owner_id
`, keep, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list owners over cap: %w", err)
	}
	defer rows.Close()

	owners := make([]int64, 0)
	for rows.Next() {
		var ownerID int64
		if err := rows.Scan(&ownerID); err != nil {
			return nil, fmt.Errorf("scan owner id: %w", err)
		}
		owners = append(owners, ownerID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owners over cap: %w", err)
	}

	return owners, nil
}

type refreshTokenQueries struct {
	db       querier
	lockRows bool
}

func (q *refreshTokenQueries) InsertRefreshToken(ctx context.Context, token model.RefreshToken) (model.RefreshToken, authsvc.InsertOutcome, error) {
	if q.db == nil {
		return model.RefreshToken{}, 0, fmt.Errorf("postgres pool is nil")
	}

	stored, err := scanRefreshTokenRow(q.db.QueryRow(ctx, `
INSERT INTO refresh_tokens (
	owner_id,
	secret_hash,
	created_at,
	expires_at,
	device_id,
	user_agent
) VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (secret_hash) DO NOTHING
RETURNING`+refreshTokenColumns,
		token.OwnerID,
		token.SecretHash,
		token.CreatedAt.UTC(),
		token.ExpiresAt.UTC(),
		token.DeviceID,
		token.UserAgent,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RefreshToken{}, authsvc.InsertCollision, nil
		}
		return model.RefreshToken{}, 0, fmt.Errorf("insert refresh token: %w", err)
	}

	return stored, authsvc.Inserted, nil
}

func (q *refreshTokenQueries) FindRefreshTokenByHash(ctx context.Context, secretHash string) (model.RefreshToken, error) {
	if q.db == nil {
		return model.RefreshToken{}, fmt.Errorf("postgres pool is nil")
	}

	query := `
SELECT` + refreshTokenColumns + `
FROM refresh_tokens
WHERE secret_hash = $1
`
	if q.lockRows {
		query += "FOR UPDATE\n"
	}

	token, err := scanRefreshTokenRow(q.db.QueryRow(ctx, query, secretHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RefreshToken{}, model.ErrRefreshTokenNotFound
		}
		return model.RefreshToken{}, fmt.Errorf("find refresh token by hash: %w", err)
	}

	return token, nil
}

func (q *refreshTokenQueries) MarkRotated(ctx context.Context, id int64, successorHash string, at time.Time) (bool, error) {
	if q.db == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}

	tag, err := q.db.Exec(ctx, `
UPDATE refresh_tokens
SET revoked_at = $3,
    last_used_at = $3,
    replaced_by_hash = $2
WHERE id = $1
  AND revoked_at IS NULL
`, id, successorHash, at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark refresh token rotated: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (q *refreshTokenQueries) RevokeByHash(ctx context.Context, secretHash string, at time.Time) (bool, error) {
	if q.db == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}

	tag, err := q.db.Exec(ctx, `
UPDATE refresh_tokens
SET revoked_at = $2
WHERE secret_hash = $1
  AND revoked_at IS NULL
`, secretHash, at.UTC())
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (q *refreshTokenQueries) RevokeAllForOwner(ctx context.Context, ownerID int64, at time.Time) (int64, error) {
	if q.db == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}

	tag, err := q.db.Exec(ctx, `
UPDATE refresh_tokens
SET revoked_at = $2
WHERE owner_id = $1
  AND revoked_at IS NULL
`, ownerID, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens for owner: %w", err)
	}

	return tag.RowsAffected(), nil
}

// RevokeDescendants follows replaced_by_hash links from secretHash and revokes
// every record on the chain that is still live.
func (q *refreshTokenQueries) RevokeDescendants(ctx context.Context, secretHash string, at time.Time) (int64, error) {
	if q.db == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}

	tag, err := q.db.Exec(ctx, `
WITH RECURSIVE chain AS (
	SELECT id, replaced_by_hash
	FROM refresh_tokens
	WHERE secret_hash = $1
	UNION
	SELECT t.id, t.replaced_by_hash
	FROM refresh_tokens AS t
	JOIN chain AS c ON t.secret_hash = c.replaced_by_hash
)
UPDATE refresh_tokens
SET revoked_at = $2
WHERE id IN (SELECT id FROM chain)
  AND revoked_at IS NULL
`, secretHash, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke refresh token chain: %w", err)
	}

	return tag.RowsAffected(), nil
}

func scanRefreshTokenRow(row pgx.Row) (model.RefreshToken, error) {
	var token model.RefreshToken
	if err := row.Scan(
		&token.ID,
		&token.OwnerID,
		&token.SecretHash,
		&token.CreatedAt,
		&token.ExpiresAt,
		&token.LastUsedAt,
		&token.RevokedAt,
		&token.ReplacedByHash,
		&token.DeviceID,
		&token.UserAgent,
	); err != nil {
		return model.RefreshToken{}, err
	}
	return token, nil
}
