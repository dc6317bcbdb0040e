package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"timenest-backend/internal/observability"
)

const (
	defaultMaxAttempts  = 5
	defaultLockWindow   = 15 * time.Minute
	defaultStoreTimeout = 5 * time.Second
)

var tracer = otel.Tracer("timenest-backend/internal/auth")

type CredentialStore interface {
	GetByUsername(ctx context.Context, username string) (User, error)
	GetByEmail(ctx context.Context, email string) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	CreateUser(ctx context.Context, input NewUser) (User, error)
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
}

type LoginAttemptStore interface {
	GetLoginAttempt(ctx context.Context, username string) (LoginAttempt, error)
	RegisterFailedAttempt(ctx context.Context, username string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, username string) error
}

type ServiceDeps struct {
	Users    CredentialStore
	Attempts LoginAttemptStore
	Tokens   RefreshTokenStore
	Codec    *TokenCodec
	Hasher   *PasswordHasher
	Events   EventRecorder
	Logger   *observability.Logger
}

type ServiceConfig struct {
	MaxAttempts  int
	LockDuration time.Duration
	StoreTimeout time.Duration
	Now          func() time.Time
}

// Service is the session manager: it turns credentials into token pairs,
// rotates refresh tokens, revokes them on logout and gates access tokens.
type Service struct {
	users    CredentialStore
	attempts LoginAttemptStore
	registry *RefreshRegistry
	codec    *TokenCodec
	hasher   *PasswordHasher
	events   EventRecorder
	logger   *observability.Logger
	cfg      ServiceConfig
}

func NewService(deps ServiceDeps, cfg ServiceConfig) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = defaultLockWindow
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
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

	return &Service{
		users:    deps.Users,
		attempts: deps.Attempts,
		registry: NewRefreshRegistry(deps.Tokens, deps.Codec, cfg.Now),
		codec:    deps.Codec,
		hasher:   deps.Hasher,
		events:   deps.Events,
		logger:   deps.Logger,
		cfg:      cfg,
	}
}

func (s *Service) Registry() *RefreshRegistry {
	return s.registry
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (Tokens, User, error) {
	username := normalizeUsername(input.Username)
	email := normalizeEmail(input.Email)

	if err := ValidateUsername(username); err != nil {
		return Tokens{}, User{}, err
	}
	if err := ValidateEmail(email); err != nil {
		return Tokens{}, User{}, err
	}
	if input.Password != input.ConfirmPassword {
		return Tokens{}, User{}, ErrPasswordMismatch
	}
	if err := ValidatePassword(input.Password); err != nil {
		return Tokens{}, User{}, err
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return Tokens{}, User{}, err
	}

	storeCtx, cancel := s.storeContext(ctx)
	user, err := s.users.CreateUser(storeCtx, NewUser{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(input.FirstName),
		LastName:     strings.TrimSpace(input.LastName),
	})
	cancel()
	if err != nil {
		return Tokens{}, User{}, err
	}

	s.record(ctx, EventRegistered, user, nil)

	tokens, err := s.issueTokens(ctx, user)
	if err != nil {
		return Tokens{}, User{}, err
	}
	return tokens, user, nil
}

// Login checks a username (or email) and password. Repeated failures lock
// the identifier for the configured window.
func (s *Service) Login(ctx context.Context, identifier, password string) (tokens Tokens, err error) {
	ctx, span := tracer.Start(ctx, "auth.Login")
	defer func() { endSpan(span, err) }()

	identifier = normalizeUsername(identifier)
	if identifier == "" || password == "" {
		return Tokens{}, ErrInvalidCredentials
	}

	now := s.cfg.Now().UTC()
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	attempt, err := s.attempts.GetLoginAttempt(storeCtx, identifier)
	if err != nil {
		return Tokens{}, err
	}
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		return Tokens{}, ErrLoginLocked{Until: *attempt.LockedUntil}
	}

	var user User
	if strings.Contains(identifier, "@") {
		user, err = s.users.GetByEmail(storeCtx, identifier)
	} else {
		user, err = s.users.GetByUsername(storeCtx, identifier)
	}
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return Tokens{}, err
	}

	var matched bool
	if err != nil {
		matched = s.hasher.CompareMissing(password)
	} else {
		matched = s.hasher.Compare(user.PasswordHash, password)
	}
	if !matched {
		s.record(ctx, EventLoginFailed, user, map[string]string{"identifier": identifier})
		lockedUntil, regErr := s.attempts.RegisterFailedAttempt(storeCtx, identifier, s.cfg.MaxAttempts, s.cfg.LockDuration, now)
		if regErr != nil {
			return Tokens{}, regErr
		}
		if lockedUntil != nil {
			return Tokens{}, ErrLoginLocked{Until: *lockedUntil}
		}
		return Tokens{}, ErrInvalidCredentials
	}

	if err := s.attempts.ResetLoginAttempt(storeCtx, identifier); err != nil {
		return Tokens{}, err
	}
	if err := s.users.TouchLastLogin(storeCtx, user.ID, now); err != nil {
		s.logger.Warn("touch_last_login_failed", map[string]any{"user_id": user.ID, "error": err})
	}
	span.SetAttributes(attribute.String("user.id", user.ID))

	tokens, err = s.issueTokens(ctx, user)
	if err != nil {
		return Tokens{}, err
	}
	s.record(ctx, EventLogin, user, nil)
	return tokens, nil
}

// LoginWithOAuth signs in an identity an OAuth provider has already
// verified, creating the account on first sight. Accounts created this way
// get an unusable password.
func (s *Service) LoginWithOAuth(ctx context.Context, profile OAuthProfile) (tokens Tokens, err error) {
	ctx, span := tracer.Start(ctx, "auth.LoginWithOAuth", trace.WithAttributes(attribute.String("oauth.provider", profile.Provider)))
	defer func() { endSpan(span, err) }()

	email := normalizeEmail(profile.Email)
	if err := ValidateEmail(email); err != nil {
		return Tokens{}, err
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	user, err := s.users.GetByEmail(storeCtx, email)
	if errors.Is(err, ErrUserNotFound) {
		user, err = s.createOAuthUser(storeCtx, email, profile)
	}
	if err != nil {
		return Tokens{}, err
	}

	if err := s.users.TouchLastLogin(storeCtx, user.ID, s.cfg.Now().UTC()); err != nil {
		s.logger.Warn("touch_last_login_failed", map[string]any{"user_id": user.ID, "error": err})
	}

	tokens, err = s.issueTokens(ctx, user)
	if err != nil {
		return Tokens{}, err
	}
	s.record(ctx, EventOAuthLogin, user, map[string]string{"provider": profile.Provider})
	return tokens, nil
}

func (s *Service) createOAuthUser(ctx context.Context, email string, profile OAuthProfile) (User, error) {
	placeholder, err := s.hasher.UnusablePasswordHash()
	if err != nil {
		return User{}, err
	}

	provider := profile.Provider
	if provider == "" {
		provider = ProviderGoogle
	}

	base := usernameFromEmail(email)
	candidate := base
	for i := 0; i < 3; i++ {
		user, err := s.users.CreateUser(ctx, NewUser{
			Username:      candidate,
			Email:         email,
			PasswordHash:  placeholder,
			FirstName:     strings.TrimSpace(profile.FirstName),
			LastName:      strings.TrimSpace(profile.LastName),
			OAuthProvider: provider,
		})
		if err == nil {
			s.record(ctx, EventRegistered, user, map[string]string{"provider": provider})
			return user, nil
		}
		if !errors.Is(err, ErrIdentityTaken) {
			return User{}, err
		}

		// Either a concurrent sign-in created the account or the username is
		// in use; the first case wins over retrying.
		if existing, lookupErr := s.users.GetByEmail(ctx, email); lookupErr == nil {
			return existing, nil
		}
		candidate = base + "-" + randomSuffix()
	}
	return User{}, ErrIdentityTaken
}

// Refresh redeems a refresh token for a new pair. A token can be redeemed
// once; replays, revoked and expired tokens yield ErrInvalidRefreshToken.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (tokens Tokens, err error) {
	ctx, span := tracer.Start(ctx, "auth.Refresh")
	defer func() { endSpan(span, err) }()

	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Tokens{}, ErrInvalidRefreshToken
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	tokens, user, err := s.registry.Rotate(storeCtx, refreshToken, s.users.GetByID)
	if err != nil {
		return Tokens{}, err
	}

	s.record(ctx, EventRefresh, user, nil)
	return tokens, nil
}

// Logout revokes the refresh token. It always succeeds from the caller's
// point of view; undecodable tokens and store failures are only logged.
func (s *Service) Logout(ctx context.Context, refreshToken string) {
	claims, err := s.codec.VerifyRefreshToken(refreshToken)
	if err != nil {
		s.logger.Info("logout_token_ignored", map[string]any{"reason": err})
		return
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	if err := s.registry.Revoke(storeCtx, claims.ID); err != nil {
		s.logger.Error("logout_revoke_failed", map[string]any{"token_id": claims.ID, "user_id": claims.Subject, "error": err})
		observability.CaptureError(err, map[string]string{"operation": "logout"})
		return
	}

	s.record(ctx, EventLogout, User{ID: claims.Subject}, map[string]string{"token_id": claims.ID})
}

// Authenticate resolves an Authorization header to the account it belongs
// to. A valid token for a deleted account is rejected with ErrUserNotFound.
func (s *Service) Authenticate(ctx context.Context, authorizationHeader string) (User, error) {
	token, err := BearerToken(authorizationHeader)
	if err != nil {
		return User{}, err
	}

	user, _, err := s.AuthenticateToken(ctx, token)
	return user, err
}

func (s *Service) AuthenticateToken(ctx context.Context, token string) (User, AccessClaims, error) {
	claims, err := s.codec.VerifyAccessToken(token)
	if err != nil {
		return User{}, AccessClaims{}, err
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	user, err := s.users.GetByID(storeCtx, claims.Subject)
	if err != nil {
		return User{}, AccessClaims{}, err
	}
	return user, claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingAuthorization
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformedAuthorization
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.Contains(token, " ") {
		return "", ErrMalformedAuthorization
	}
	return token, nil
}

func (s *Service) issueTokens(ctx context.Context, user User) (Tokens, error) {
	access, _, err := s.codec.IssueAccessToken(user)
	if err != nil {
		return Tokens{}, err
	}

	refresh, _, err := s.codec.IssueRefreshToken(user)
	if err != nil {
		return Tokens{}, err
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.registry.Store(storeCtx, user.ID, refresh); err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.codec.AccessTTL().Seconds()),
	}, nil
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *Service) record(ctx context.Context, eventType EventType, user User, detail map[string]string) {
	s.events.Record(ctx, Event{
		Type:     eventType,
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		At:       s.cfg.Now().UTC(),
		Detail:   detail,
	})
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func usernameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	var b strings.Builder
	for _, r := range strings.ToLower(local) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	name := b.String()
	if len(name) > 24 {
		name = name[:24]
	}
	for len(name) < 3 {
		name += "0"
	}
	return name
}

func randomSuffix() string {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano()%1000000)
	}
	return hex.EncodeToString(b)
}
