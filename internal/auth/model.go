package auth

import (
	"strings"
	"time"
)

const ProviderGoogle = "google"

type User struct {
	ID            string     `json:"user_id"`
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	PasswordHash  string     `json:"-"`
	FirstName     string     `json:"first_name"`
	LastName      string     `json:"last_name"`
	OAuthProvider string     `json:"oauth_provider,omitempty"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (u User) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

type NewUser struct {
	Username      string
	Email         string
	PasswordHash  string
	FirstName     string
	LastName      string
	OAuthProvider string
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshTokenRecord is the server-side row for one issued refresh token. ID
// is the token's jti. Records are revoked, never deleted, until retention
// cleanup.
type RefreshTokenRecord struct {
	ID         string
	UserID     string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy string
}

func (r RefreshTokenRecord) Revoked() bool {
	return r.RevokedAt != nil
}

// Usable reports whether the record can still authorise a refresh at now.
func (r RefreshTokenRecord) Usable(now time.Time) bool {
	return !r.Revoked() && now.Before(r.ExpiresAt)
}

type LoginAttempt struct {
	Username       string
	FailedAttempts int
	LockedUntil    *time.Time
}

// OTPChallenge is the single live password-reset challenge for an email. The
// code itself is never stored, only its digest.
type OTPChallenge struct {
	Email      string    `json:"email"`
	CodeDigest string    `json:"code_digest"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Verified   bool      `json:"verified"`
	Attempts   int       `json:"attempts"`
}

// OAuthProfile is the identity an external provider has already verified.
type OAuthProfile struct {
	Provider  string
	Subject   string
	Email     string
	FirstName string
	LastName  string
}

type RegisterInput struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
}

// OTPIssue describes the outcome of a forgot-password request. Delivered is
// false when the challenge was stored but the notification could not be sent.
type OTPIssue struct {
	ExpiresAt time.Time
	Delivered bool
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
