package model

import "time"

type RefreshTokenState string

const (
	RefreshTokenActive  RefreshTokenState = "active"
	RefreshTokenRotated RefreshTokenState = "rotated"
	RefreshTokenRevoked RefreshTokenState = "revoked"
	RefreshTokenExpired RefreshTokenState = "expired"
)

// RefreshToken is one ledger row. The plaintext secret is never stored; a
// rotated row points at its successor through ReplacedByHash.
type RefreshToken struct {
	ID             int64      `json:"id"`
	OwnerID        int64      `json:"owner_id"`
	SecretHash     string     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	LastUsedAt     *time.Time `json:"last_used_at"`
	RevokedAt      *time.Time `json:"revoked_at"`
	ReplacedByHash *string    `json:"-"`
	DeviceID       string     `json:"device_id"`
	UserAgent      string     `json:"user_agent"`
}

func (t RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

func (t RefreshToken) IsRotated() bool {
	return t.RevokedAt != nil && t.ReplacedByHash != nil
}

func (t RefreshToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// State reports rotation before revocation before expiry, the same order the
// refresh protocol checks them in.
func (t RefreshToken) State(now time.Time) RefreshTokenState {
	switch {
	case t.IsRotated():
		return RefreshTokenRotated
	case t.IsRevoked():
		return RefreshTokenRevoked
	case t.IsExpired(now):
		return RefreshTokenExpired
	default:
		return RefreshTokenActive
	}
}

type LedgerStats struct {
	Total   int64 `json:"total"`
	Active  int64 `json:"active"`
	Revoked int64 `json:"revoked"`
	Rotated int64 `json:"rotated"`
	Expired int64 `json:"expired"`
}
