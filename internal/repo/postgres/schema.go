package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	email_verified BOOLEAN NOT NULL DEFAULT FALSE,
	verification_code_hash TEXT NULL,
	verification_code_expires_at TIMESTAMPTZ NULL,
	verification_link_hash TEXT NULL UNIQUE,
	verification_link_expires_at TIMESTAMPTZ NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const refreshTokensSchema = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
	id BIGSERIAL PRIMARY KEY,
	owner_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	secret_hash TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ NOT NULL,
	last_used_at TIMESTAMPTZ NULL,
	revoked_at TIMESTAMPTZ NULL,
	replaced_by_hash TEXT NULL,
	device_id TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT ''
)`

var schemaStatements = []string{
	usersSchema,
	refreshTokensSchema,
	`CREATE INDEX IF NOT EXISTS refresh_tokens_owner_state_idx ON refresh_tokens (owner_id, revoked_at, created_at)`,
	`CREATE INDEX IF NOT EXISTS refresh_tokens_expires_at_idx ON refresh_tokens (expires_at)`,
	`CREATE INDEX IF NOT EXISTS refresh_tokens_revoked_at_idx ON refresh_tokens (revoked_at)`,
	`CREATE INDEX IF NOT EXISTS refresh_tokens_replaced_by_idx ON refresh_tokens (replaced_by_hash)`,
}

// Migrate creates the tables and indexes this service owns. Every statement is
// idempotent, so it runs on each start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
