package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"timenest-backend/internal/observability"
)

const (
	defaultOTPTTL              = 60 * time.Second
	defaultNotificationTimeout = 10 * time.Second
	otpSubject                 = "Your TimeNest password reset code"
)

// Notifier delivers a message to an email address.
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

type PasswordResetDeps struct {
	Users    CredentialStore
	OTPs     OTPStore
	Registry *RefreshRegistry
	Hasher   *PasswordHasher
	Notifier Notifier
	Events   EventRecorder
	Logger   *observability.Logger
}

type PasswordResetConfig struct {
	OTPTTL              time.Duration
	StoreTimeout        time.Duration
	NotificationTimeout time.Duration
	Now                 func() time.Time
}

// PasswordResetService drives forgot-password, verify-otp and reset-password.
// The three steps are separate calls; the OTP store carries the state between
// them.
type PasswordResetService struct {
	users    CredentialStore
	otps     OTPStore
	registry *RefreshRegistry
	hasher   *PasswordHasher
	notifier Notifier
	events   EventRecorder
	logger   *observability.Logger
	cfg      PasswordResetConfig
	generate func() (string, error)
}

func NewPasswordResetService(deps PasswordResetDeps, cfg PasswordResetConfig) *PasswordResetService {
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = defaultOTPTTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.NotificationTimeout <= 0 {
		cfg.NotificationTimeout = defaultNotificationTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Events == nil {
		deps.Events = NopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}

	return &PasswordResetService{
		users:    deps.Users,
		otps:     deps.OTPs,
		registry: deps.Registry,
		hasher:   deps.Hasher,
		notifier: deps.Notifier,
		events:   deps.Events,
		logger:   deps.Logger,
		cfg:      cfg,
		generate: generateOTP,
	}
}

// ForgotPassword replaces any live challenge for email with a new one and
// sends the code. A failed send does not undo the challenge; it is reported
// through OTPIssue.Delivered instead.
func (s *PasswordResetService) ForgotPassword(ctx context.Context, email string) (issue OTPIssue, err error) {
	ctx, span := tracer.Start(ctx, "auth.ForgotPassword")
	defer func() { endSpan(span, err) }()

	email = normalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return OTPIssue{}, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	user, err := s.users.GetByEmail(storeCtx, email)
	if err != nil {
		return OTPIssue{}, err
	}

	code, err := s.generate()
	if err != nil {
		return OTPIssue{}, err
	}

	now := s.cfg.Now().UTC()
	challenge := OTPChallenge{
		Email:      email,
		CodeDigest: otpDigest(email, code),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.cfg.OTPTTL),
	}
	if err := s.otps.Issue(storeCtx, challenge); err != nil {
		return OTPIssue{}, err
	}

	issue = OTPIssue{ExpiresAt: challenge.ExpiresAt, Delivered: true}
	if err := s.send(ctx, user, code); err != nil {
		issue.Delivered = false
		s.logger.Warn("otp_delivery_failed", map[string]any{"user_id": user.ID, "error": err})
		observability.CaptureError(err, map[string]string{"operation": "forgot_password"})
	}

	s.record(ctx, EventOTPIssued, user, map[string]string{"delivered": fmt.Sprintf("%t", issue.Delivered)})
	return issue, nil
}

func (s *PasswordResetService) VerifyOTP(ctx context.Context, email, code string) (err error) {
	ctx, span := tracer.Start(ctx, "auth.VerifyOTP")
	defer func() { endSpan(span, err) }()

	email = normalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return ErrInvalidOTP
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	if err := s.otps.Verify(storeCtx, email, code, s.cfg.Now().UTC()); err != nil {
		return err
	}

	s.record(ctx, EventOTPVerified, User{Email: email}, nil)
	return nil
}

// ResetPassword stores a new password for email once its challenge has been
// verified. The challenge is consumed only if the password update succeeds.
// Every refresh token of the account is revoked afterwards.
func (s *PasswordResetService) ResetPassword(ctx context.Context, email, code, newPassword, confirmPassword string) (err error) {
	ctx, span := tracer.Start(ctx, "auth.ResetPassword")
	defer func() { endSpan(span, err) }()

	if newPassword != confirmPassword {
		return ErrPasswordMismatch
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	email = normalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return ErrOTPNotVerified
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	user, err := s.users.GetByEmail(storeCtx, email)
	if err != nil {
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	err = s.otps.Consume(storeCtx, email, code, s.cfg.Now().UTC(), func(ctx context.Context) error {
		return s.users.UpdatePasswordHash(ctx, user.ID, hash)
	})
	if err != nil {
		return err
	}

	if s.registry != nil {
		revoked, err := s.registry.RevokeAll(storeCtx, user.ID)
		if err != nil {
			s.logger.Error("revoke_sessions_after_reset_failed", map[string]any{"user_id": user.ID, "error": err})
			observability.CaptureError(err, map[string]string{"operation": "reset_password"})
		} else {
			s.logger.Info("sessions_revoked_after_reset", map[string]any{"user_id": user.ID, "revoked": revoked})
		}
	}

	s.record(ctx, EventPasswordReset, user, nil)
	return nil
}

func (s *PasswordResetService) send(ctx context.Context, user User, code string) error {
	if s.notifier == nil {
		return fmt.Errorf("no notifier configured")
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.NotificationTimeout)
	defer cancel()

	name := user.DisplayName()
	if name == "" {
		name = user.Username
	}
	body := fmt.Sprintf("Hi %s,\n\nYour password reset code is %s. It expires in %d seconds.\n\nIf you did not ask to reset your password you can ignore this email.\n",
		name, code, int(s.cfg.OTPTTL.Seconds()))

	return s.notifier.Send(sendCtx, user.Email, otpSubject, body)
}

func (s *PasswordResetService) record(ctx context.Context, eventType EventType, user User, detail map[string]string) {
	s.events.Record(ctx, Event{
		Type:     eventType,
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		At:       s.cfg.Now().UTC(),
		Detail:   detail,
	})
}
