package model

import "errors"

// Storage lookups return these so services can branch without knowing which
// repo backs them.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrEmailTaken           = errors.New("email already registered")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
)
