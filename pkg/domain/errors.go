package domain

import "errors"

// Login token errors
var (
	ErrAuthTokenNotFound     = errors.New("auth token not found")
	ErrAuthTokenInvalid      = errors.New("invalid auth token")
	ErrAuthTokenExpired      = errors.New("auth token expired")
	ErrAuthTokenUsed         = errors.New("auth token already used")
	ErrAuthTokenNotProcessed = errors.New("auth token not confirmed by bot")
	ErrPreconditionFailed    = errors.New("status precondition failed")
)

// Phone code errors
var (
	ErrAuthCodeNotFound          = errors.New("auth code not found")
	ErrAuthCodeInvalid           = errors.New("invalid auth code")
	ErrAuthCodeExpired           = errors.New("auth code expired")
	ErrAuthCodeAttemptsExhausted = errors.New("too many verification attempts")
	ErrInvalidPhone              = errors.New("invalid phone number")
)

// Session and directory errors
var (
	ErrMemberNotFound = errors.New("member not found")
	ErrInvalidToken   = errors.New("invalid token")
)
