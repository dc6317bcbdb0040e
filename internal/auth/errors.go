package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenInvalid        = errors.New("token invalid")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrRevokedToken        = errors.New("refresh token revoked")
	ErrInvalidOTP          = errors.New("invalid otp")
	ErrOTPExpired          = errors.New("otp expired")
	ErrOTPNotVerified      = errors.New("otp not verified")
	ErrPasswordMismatch    = errors.New("passwords do not match")
	ErrUserNotFound        = errors.New("user not found")
	ErrStoreUnavailable    = errors.New("store unavailable")

	ErrMissingAuthorization   = errors.New("missing authorization header")
	ErrMalformedAuthorization = errors.New("malformed authorization header")

	ErrIdentityTaken = errors.New("username or email already registered")
	ErrWeakPassword  = errors.New("password does not meet policy")
	ErrInvalidInput  = errors.New("invalid input")
)

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

// IsUnauthorized reports whether err is one of the reasons Authenticate uses
// to reject a request.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrMissingAuthorization) ||
		errors.Is(err, ErrMalformedAuthorization) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrUserNotFound)
}
