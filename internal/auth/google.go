package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
)

const (
	GoogleCertsURL      = "https://www.googleapis.com/oauth2/v3/certs"
	defaultJWKSCacheTTL = time.Hour
	idTokenLeeway       = 30 * time.Second
)

var (
	ErrOAuthNotConfigured = errors.New("oauth provider not configured")
	ErrInvalidIDToken     = errors.New("invalid id token")

	googleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}
)

type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
}

type GoogleVerifierConfig struct {
	ClientID   string
	CertsURL   string
	HTTPClient *http.Client
	CacheTTL   time.Duration
	Now        func() time.Time
}

// GoogleVerifier checks Google ID tokens against Google's published signing
// keys and turns them into an OAuthProfile. The key set is cached and
// refetched when it expires or a token names an unknown key id.
type GoogleVerifier struct {
	clientID string
	certsURL string
	client   *http.Client
	cacheTTL time.Duration
	now      func() time.Time

	mu        sync.Mutex
	keys      jose.JSONWebKeySet
	fetchedAt time.Time
}

func NewGoogleVerifier(cfg GoogleVerifierConfig) *GoogleVerifier {
	if cfg.CertsURL == "" {
		cfg.CertsURL = GoogleCertsURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultJWKSCacheTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &GoogleVerifier{
		clientID: strings.TrimSpace(cfg.ClientID),
		certsURL: cfg.CertsURL,
		client:   cfg.HTTPClient,
		cacheTTL: cfg.CacheTTL,
		now:      cfg.Now,
	}
}

func (v *GoogleVerifier) Verify(ctx context.Context, idToken string) (OAuthProfile, error) {
	if v == nil || v.clientID == "" {
		return OAuthProfile{}, ErrOAuthNotConfigured
	}

	parsed, err := josejwt.ParseSigned(strings.TrimSpace(idToken), []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return OAuthProfile{}, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}
	if len(parsed.Headers) == 0 || parsed.Headers[0].KeyID == "" {
		return OAuthProfile{}, fmt.Errorf("%w: missing key id", ErrInvalidIDToken)
	}

	key, err := v.key(ctx, parsed.Headers[0].KeyID)
	if err != nil {
		return OAuthProfile{}, err
	}

	var std josejwt.Claims
	var custom googleClaims
	if err := parsed.Claims(key.Key, &std, &custom); err != nil {
		return OAuthProfile{}, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}

	expected := josejwt.Expected{
		AnyAudience: josejwt.Audience{v.clientID},
		Time:        v.now(),
	}
	if err := std.ValidateWithLeeway(expected, idTokenLeeway); err != nil {
		return OAuthProfile{}, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}
	if !validGoogleIssuer(std.Issuer) {
		return OAuthProfile{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidIDToken, std.Issuer)
	}
	if std.Expiry == nil {
		return OAuthProfile{}, fmt.Errorf("%w: missing exp", ErrInvalidIDToken)
	}
	if custom.Email == "" || !custom.EmailVerified {
		return OAuthProfile{}, fmt.Errorf("%w: email not verified", ErrInvalidIDToken)
	}

	return OAuthProfile{
		Provider:  ProviderGoogle,
		Subject:   std.Subject,
		Email:     normalizeEmail(custom.Email),
		FirstName: custom.GivenName,
		LastName:  custom.FamilyName,
	}, nil
}

func (v *GoogleVerifier) key(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fresh := !v.fetchedAt.IsZero() && v.now().Sub(v.fetchedAt) < v.cacheTTL
	if fresh {
		if keys := v.keys.Key(kid); len(keys) > 0 {
			return keys[0], nil
		}
	}

	set, err := v.fetch(ctx)
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	v.keys = set
	v.fetchedAt = v.now()

	keys := v.keys.Key(kid)
	if len(keys) == 0 {
		return jose.JSONWebKey{}, fmt.Errorf("%w: unknown key id %q", ErrInvalidIDToken, kid)
	}
	return keys[0], nil
}

func (v *GoogleVerifier) fetch(ctx context.Context) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.certsURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("build jwks request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}
	return set, nil
}

func validGoogleIssuer(issuer string) bool {
	for _, candidate := range googleIssuers {
		if issuer == candidate {
			return true
		}
	}
	return false
}
