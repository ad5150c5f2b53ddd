package dto

import "time"

type SessionResponse struct {
	ID         int64      `json:"id"`
	DeviceID   string     `json:"device_id"`
	UserAgent  string     `json:"user_agent"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

type SessionsResponse struct {
	Items []SessionResponse `json:"items"`
}

type SessionStatsResponse struct {
	Total   int64 `json:"total"`
	Active  int64 `json:"active"`
	Revoked int64 `json:"revoked"`
	Rotated int64 `json:"rotated"`
	Expired int64 `json:"expired"`
}

type RevokeUserSessionsResponse struct {
	UserID  int64 `json:"user_id"`
	Revoked int64 `json:"revoked"`
}

type PruneResponse struct {
	Deleted int64 `json:"deleted"`
	Revoked int64 `json:"revoked"`
}
