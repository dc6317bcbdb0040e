package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "timenest-backend"

type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// AccessClaims is the payload of an access token. It is never persisted.
type AccessClaims struct {
	Kind        TokenKind `json:"typ"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	DisplayName string    `json:"name,omitempty"`
	OAuth       bool      `json:"oauth,omitempty"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token. ID (jti) keys the
// server-side RefreshTokenRecord.
type RefreshClaims struct {
	Kind TokenKind `json:"typ"`
	jwt.RegisteredClaims
}

type TokenCodecConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Algorithm     string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Now           func() time.Time
}

// TokenCodec signs and verifies both token kinds. Access and refresh tokens
// use separate secrets and carry a kind tag that is checked on decode.
type TokenCodec struct {
	accessSecret  []byte
	refreshSecret []byte
	method        jwt.SigningMethod
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func NewTokenCodec(cfg TokenCodecConfig) (*TokenCodec, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("token codec requires access and refresh secrets")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}

	var method jwt.SigningMethod
	switch strings.ToUpper(cfg.Algorithm) {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}

	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 30 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &TokenCodec{
		accessSecret:  cfg.AccessSecret,
		refreshSecret: cfg.RefreshSecret,
		method:        method,
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           cfg.Now,
	}, nil
}

func (c *TokenCodec) AccessTTL() time.Duration {
	return c.accessTTL
}

func (c *TokenCodec) IssueAccessToken(user User) (string, AccessClaims, error) {
	now := c.clock()
	claims := AccessClaims{
		Kind:        KindAccess,
		Username:    user.Username,
		Email:       user.Email,
		DisplayName: user.DisplayName(),
		OAuth:       user.OAuthProvider != "",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.accessTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.accessSecret)
	if err != nil {
		return "", AccessClaims{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, claims, nil
}

func (c *TokenCodec) IssueRefreshToken(user User) (string, RefreshClaims, error) {
	now := c.clock()
	claims := RefreshClaims{
		Kind: KindRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.refreshTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.refreshSecret)
	if err != nil {
		return "", RefreshClaims{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, claims, nil
}

// VerifyAccessToken returns ErrTokenExpired for a well-signed token past its
// expiry and ErrTokenInvalid for anything else that fails.
func (c *TokenCodec) VerifyAccessToken(token string) (AccessClaims, error) {
	var claims AccessClaims
	if err := c.parse(token, &claims, c.accessSecret); err != nil {
		return AccessClaims{}, err
	}
	if claims.Kind != KindAccess {
		return AccessClaims{}, fmt.Errorf("%w: unexpected token kind %q", ErrTokenInvalid, claims.Kind)
	}
	if claims.Subject == "" || claims.ID == "" || claims.Username == "" || claims.Email == "" {
		return AccessClaims{}, fmt.Errorf("%w: access token is missing required claims", ErrTokenInvalid)
	}
	return claims, nil
}

func (c *TokenCodec) VerifyRefreshToken(token string) (RefreshClaims, error) {
	var claims RefreshClaims
	if err := c.parse(token, &claims, c.refreshSecret); err != nil {
		return RefreshClaims{}, err
	}
	if claims.Kind != KindRefresh {
		return RefreshClaims{}, fmt.Errorf("%w: unexpected token kind %q", ErrTokenInvalid, claims.Kind)
	}
	if claims.Subject == "" || claims.ID == "" {
		return RefreshClaims{}, fmt.Errorf("%w: refresh token is missing required claims", ErrTokenInvalid)
	}
	return claims, nil
}

func (c *TokenCodec) parse(token string, claims jwt.Claims, secret []byte) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(tokenIssuer),
	)

	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return ErrTokenInvalid
	}
	return nil
}

func (c *TokenCodec) clock() time.Time {
	return c.now().UTC().Truncate(time.Second)
}
