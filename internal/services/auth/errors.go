package auth

import (
	"errors"
	"time"
)

// Kind is the closed set of failure reasons the auth endpoints report. The
// string value is the wire code.
type Kind string

const (
	KindInvalidRequest        Kind = "INVALID_REQUEST"
	KindInvalidCredentials    Kind = "INVALID_CREDENTIALS"
	KindNotVerified           Kind = "NOT_VERIFIED"
	KindInvalidRefresh        Kind = "INVALID_REFRESH"
	KindRefreshRevoked        Kind = "REFRESH_REVOKED"
	KindRefreshReused         Kind = "REFRESH_REUSED"
	KindRefreshExpired        Kind = "REFRESH_EXPIRED"
	KindUnauthenticated       Kind = "UNAUTHENTICATED"
	KindTokenMalformed        Kind = "TOKEN_MALFORMED"
	KindTokenSignatureInvalid Kind = "TOKEN_SIGNATURE_INVALID"
	KindTokenExpired          Kind = "TOKEN_EXPIRED"
	KindEmailTaken            Kind = "EMAIL_TAKEN"
	KindInvalidCode           Kind = "INVALID_CODE"
	KindCodeExpired           Kind = "CODE_EXPIRED"
	KindAlreadyVerified       Kind = "ALREADY_VERIFIED"
)

type Error struct {
	Kind    Kind
	message string
}

func (e *Error) Error() string {
	return e.message
}

var (
	ErrInvalidInput          = &Error{Kind: KindInvalidRequest, message: "invalid input"}
	ErrInvalidCredentials    = &Error{Kind: KindInvalidCredentials, message: "invalid credentials"}
	ErrNotVerified           = &Error{Kind: KindNotVerified, message: "email is not verified"}
	ErrInvalidRefresh        = &Error{Kind: KindInvalidRefresh, message: "refresh token is not recognized"}
	ErrRefreshRevoked        = &Error{Kind: KindRefreshRevoked, message: "refresh token was revoked"}
	ErrRefreshReused         = &Error{Kind: KindRefreshReused, message: "refresh token was already rotated"}
	ErrRefreshExpired        = &Error{Kind: KindRefreshExpired, message: "refresh token expired"}
	ErrUnauthenticated       = &Error{Kind: KindUnauthenticated, message: "authentication required"}
	ErrTokenMalformed        = &Error{Kind: KindTokenMalformed, message: "access token is malformed"}
	ErrTokenSignatureInvalid = &Error{Kind: KindTokenSignatureInvalid, message: "access token signature is invalid"}
	ErrTokenExpired          = &Error{Kind: KindTokenExpired, message: "access token expired"}
	ErrEmailTaken            = &Error{Kind: KindEmailTaken, message: "email is already registered"}
	ErrInvalidCode           = &Error{Kind: KindInvalidCode, message: "verification code is invalid"}
	ErrCodeExpired           = &Error{Kind: KindCodeExpired, message: "verification code expired"}
	ErrAlreadyVerified       = &Error{Kind: KindAlreadyVerified, message: "email is already verified"}
)

// ErrSecretCollision is returned when every insert attempt hit an existing
// secret hash. It is a server fault, not a client error kind.
var ErrSecretCollision = errors.New("refresh secret collision retries exhausted")

// KindOf extracts the failure kind from err. ok is false for errors outside
// the taxonomy, which callers report as internal errors.
func KindOf(err error) (Kind, bool) {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind, true
	}
	return "", false
}

// InsertOutcome is the result of adding a record to the ledger.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	InsertCollision
)

type AccessClaims struct {
	UserID    int64
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ClientMeta is display/audit metadata only. It never takes part in a trust
// decision.
type ClientMeta struct {
	DeviceID  string
	UserAgent string
}

type TokenPair struct {
	AccessToken   string
	RefreshToken  string
	AccessExpires time.Time
	OwnerID       int64
}
