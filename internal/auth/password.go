package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/mail"
	"regexp"
	"sync"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordBytes = 12
	maxPasswordBytes = 72 // bcrypt ignores anything past 72 bytes
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

// PasswordHasher wraps bcrypt at a fixed cost. Every stored password goes
// through Hash, including password resets.
type PasswordHasher struct {
	cost int

	dummyOnce sync.Once
	dummyHash []byte
}

func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

func (h *PasswordHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (h *PasswordHasher) Compare(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CompareMissing spends the same bcrypt work as Compare for an account that
// does not exist, so login timing does not reveal which identifiers are
// registered. It always reports false.
func (h *PasswordHasher) CompareMissing(password string) bool {
	h.dummyOnce.Do(func() {
		h.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("timenest-missing-account"), h.cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(password))
	return false
}

// UnusablePasswordHash returns a bcrypt hash of random bytes that are thrown
// away, so password login can never match. Used for OAuth-only accounts.
func (h *PasswordHasher) UnusablePasswordHash() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate placeholder password: %w", err)
	}
	return h.Hash(hex.EncodeToString(raw))
}

// ValidatePassword enforces the password policy: 12 to 72 bytes with at least
// one letter and one digit.
func ValidatePassword(password string) error {
	if len(password) < minPasswordBytes || len(password) > maxPasswordBytes {
		return fmt.Errorf("%w: length must be between %d and %d bytes", ErrWeakPassword, minPasswordBytes, maxPasswordBytes)
	}

	var hasLetter, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return fmt.Errorf("%w: must contain a letter and a digit", ErrWeakPassword)
	}
	return nil
}

func ValidateUsername(username string) error {
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("%w: username format is invalid", ErrInvalidInput)
	}
	return nil
}

func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: email format is invalid", ErrInvalidInput)
	}
	return nil
}
