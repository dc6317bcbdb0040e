package auth

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sixDigits = regexp.MustCompile(`^[0-9]{6}$`)

func TestPasswordResetEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	alice := env.registerAlice(t)
	ctx := context.Background()

	session, err := env.sessions.Login(ctx, "alice", "pw123456789012")
	require.NoError(t, err)

	issue, err := env.resets.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, issue.Delivered)
	assert.Equal(t, env.clock.Now().Add(60*time.Second), issue.ExpiresAt)

	code := env.lastCode(t)
	assert.Regexp(t, sixDigits, code)
	require.Len(t, env.notifier.messages, 1)
	assert.Equal(t, "alice@example.com", env.notifier.messages[0].to)
	assert.Contains(t, env.notifier.messages[0].body, code)

	require.NoError(t, env.resets.VerifyOTP(ctx, "alice@example.com", code))
	require.NoError(t, env.resets.ResetPassword(ctx, "alice@example.com", code, "newpw1234567890", "newpw1234567890"))

	_, err = env.sessions.Login(ctx, "alice", "pw123456789012")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.sessions.Login(ctx, "alice", "newpw1234567890")
	require.NoError(t, err)

	_, err = env.sessions.Refresh(ctx, session.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	err = env.resets.ResetPassword(ctx, "alice@example.com", code, "another123456789", "another123456789")
	assert.ErrorIs(t, err, ErrOTPNotVerified)

	assert.Contains(t, env.events.types(), EventPasswordReset)
	assert.Equal(t, 1, env.refresh.live(alice.ID))
}

func TestVerifyOTPExpiresAfterSixtySeconds(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	ctx := context.Background()

	_, err := env.resets.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)
	code := env.lastCode(t)

	env.clock.Advance(61 * time.Second)
	err = env.resets.VerifyOTP(ctx, "alice@example.com", code)
	assert.ErrorIs(t, err, ErrOTPExpired)
}

func TestSecondForgotPasswordSupersedesFirst(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	ctx := context.Background()

	_, err := env.resets.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)
	first := env.lastCode(t)

	// Force distinct codes so the assertion below is about replacement, not
	// about a one-in-900000 collision.
	env.resets.generate = func() (string, error) {
		if first == "123456" {
			return "654321", nil
		}
		return "123456", nil
	}
	_, err = env.resets.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)
	second := "123456"
	if first == "123456" {
		second = "654321"
	}

	assert.Len(t, env.redis.Keys(), 1)

	err = env.resets.VerifyOTP(ctx, "alice@example.com", first)
	assert.ErrorIs(t, err, ErrInvalidOTP)

	require.NoError(t, env.resets.VerifyOTP(ctx, "alice@example.com", second))
}

func TestResetWithoutVerifyFails(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	ctx := context.Background()
	before := env.users.passwordHash(t, "alice")

	_, err := env.resets.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)

	err = env.resets.ResetPassword(ctx, "alice@example.com", env.lastCode(t), "newpw1234567890", "newpw1234567890")
	assert.ErrorIs(t, err, ErrOTPNotVerified)
	assert.Equal(t, before, env.users.passwordHash(t, "alice"))
}

func TestResetPasswordMismatchLeavesHashUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	ctx := context.Background()
	before := env.users.passwordHash(t, "alice")

	_, err := env.resets.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)
	code := env.lastCode(t)
	require.NoError(t, env.resets.VerifyOTP(ctx, "alice@example.com", code))

	err = env.resets.ResetPassword(ctx, "alice@example.com", code, "newpw1234567890", "newpw1234567891")
	assert.ErrorIs(t, err, ErrPasswordMismatch)
	assert.Equal(t, before, env.users.passwordHash(t, "alice"))

	require.NoError(t, env.resets.ResetPassword(ctx, "alice@example.com", code, "newpw1234567890", "newpw1234567890"))
}

func TestResetRejectsWeakPassword(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	ctx := context.Background()

	_, err := env.resets.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)
	code := env.lastCode(t)
	require.NoError(t, env.resets.VerifyOTP(ctx, "alice@example.com", code))

	err = env.resets.ResetPassword(ctx, "alice@example.com", code, "short1", "short1")
	assert.ErrorIs(t, err, ErrWeakPassword)
}

func TestResetStoresHashNotPlaintext(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	ctx := context.Background()

	_, err := env.resets.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)
	code := env.lastCode(t)
	require.NoError(t, env.resets.VerifyOTP(ctx, "alice@example.com", code))
	require.NoError(t, env.resets.ResetPassword(ctx, "alice@example.com", code, "newpw1234567890", "newpw1234567890"))

	hash := env.users.passwordHash(t, "alice")
	assert.NotEqual(t, "newpw1234567890", hash)
	assert.True(t, NewPasswordHasher(0).Compare(hash, "newpw1234567890"))
}

func TestFailedPasswordUpdateKeepsChallenge(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	ctx := context.Background()

	_, err := env.resets.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)
	code := env.lastCode(t)
	require.NoError(t, env.resets.VerifyOTP(ctx, "alice@example.com", code))

	env.users.failOn = "update_password"
	err = env.resets.ResetPassword(ctx, "alice@example.com", code, "newpw1234567890", "newpw1234567890")
	require.Error(t, err)

	env.users.failOn = ""
	require.NoError(t, env.resets.ResetPassword(ctx, "alice@example.com", code, "newpw1234567890", "newpw1234567890"))
}

func TestForgotPasswordUnknownEmail(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.resets.ForgotPassword(context.Background(), "ghost@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Empty(t, env.notifier.messages)
	assert.Empty(t, env.redis.Keys())
}

func TestForgotPasswordDeliveryFailureStillIssues(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	ctx := context.Background()
	env.notifier.err = errors.New("smtp down")

	issue, err := env.resets.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, issue.Delivered)

	require.NoError(t, env.resets.VerifyOTP(ctx, "alice@example.com", env.lastCode(t)))
}

func TestOTPAttemptsAreCapped(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	ctx := context.Background()

	_, err := env.resets.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)
	code := env.lastCode(t)

	wrong := "000000"
	for i := 0; i < 5; i++ {
		err := env.resets.VerifyOTP(ctx, "alice@example.com", wrong)
		require.ErrorIs(t, err, ErrInvalidOTP)
	}

	err = env.resets.VerifyOTP(ctx, "alice@example.com", code)
	assert.ErrorIs(t, err, ErrInvalidOTP)
}
