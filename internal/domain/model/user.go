package model

import "time"

type User struct {
	ID            int64     `json:"id"`
	Email         string    `json:"email"`
	PasswordHash  string    `json:"-"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EmailVerification holds the pending proof material for an unverified user.
// Both the numeric code and the link token are stored hashed.
type EmailVerification struct {
	CodeHash      string
	CodeExpiresAt time.Time
	LinkHash      string
	LinkExpiresAt time.Time
}

// VerificationMail carries the plaintext proof to the mailer. It is never
// persisted.
type VerificationMail struct {
	To            string
	Code          string
	CodeExpiresAt time.Time
	Link          string
	LinkExpiresAt time.Time
}
