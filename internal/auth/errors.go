package auth

import "errors"

// Authentication failure taxonomy. All are surfaced to the device in the
// auth_response reason and close the session.
var (
	ErrInvalidCredentials = errors.New("auth: invalid device credentials")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenRevoked       = errors.New("auth: token revoked")
)
