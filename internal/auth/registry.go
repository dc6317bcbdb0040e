package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, record RefreshTokenRecord) error
	GetRefreshToken(ctx context.Context, id string) (RefreshTokenRecord, error)
	RotateRefreshToken(ctx context.Context, oldID string, next RefreshTokenRecord, now time.Time) error
	RevokeRefreshToken(ctx context.Context, id string, now time.Time) error
	RevokeUserRefreshTokens(ctx context.Context, userID string, now time.Time) (int64, error)
}

// RefreshRegistry tracks every refresh token the codec issues so that tokens
// can be revoked and each one can be redeemed at most once.
type RefreshRegistry struct {
	store RefreshTokenStore
	codec *TokenCodec
	now   func() time.Time
}

func NewRefreshRegistry(store RefreshTokenStore, codec *TokenCodec, now func() time.Time) *RefreshRegistry {
	if now == nil {
		now = time.Now
	}
	return &RefreshRegistry{store: store, codec: codec, now: now}
}

// Store decodes token and persists an unrevoked record for it.
func (g *RefreshRegistry) Store(ctx context.Context, userID, token string) error {
	claims, err := g.codec.VerifyRefreshToken(token)
	if err != nil {
		return err
	}
	if claims.Subject != userID {
		return fmt.Errorf("%w: refresh token subject does not match user", ErrTokenInvalid)
	}
	return g.store.CreateRefreshToken(ctx, recordFromClaims(claims))
}

// Lookup returns the record for tokenID if it is neither revoked nor expired.
func (g *RefreshRegistry) Lookup(ctx context.Context, tokenID string) (RefreshTokenRecord, error) {
	record, err := g.store.GetRefreshToken(ctx, tokenID)
	if err != nil {
		return RefreshTokenRecord{}, err
	}
	if record.Revoked() {
		return RefreshTokenRecord{}, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, ErrRevokedToken)
	}
	if !record.Usable(g.now()) {
		return RefreshTokenRecord{}, ErrInvalidRefreshToken
	}
	return record, nil
}

func (g *RefreshRegistry) Revoke(ctx context.Context, tokenID string) error {
	return g.store.RevokeRefreshToken(ctx, tokenID, g.now().UTC())
}

func (g *RefreshRegistry) RevokeAll(ctx context.Context, userID string) (int64, error) {
	return g.store.RevokeUserRefreshTokens(ctx, userID, g.now().UTC())
}

// Rotate redeems oldToken: it must verify, belong to a live record and a
// still-existing user. The old record is revoked and the replacement stored
// in a single conditional update, then a fresh access token is issued.
func (g *RefreshRegistry) Rotate(ctx context.Context, oldToken string, loadUser func(context.Context, string) (User, error)) (Tokens, User, error) {
	claims, err := g.codec.VerifyRefreshToken(oldToken)
	if err != nil {
		return Tokens{}, User{}, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, err)
	}

	if _, err := g.Lookup(ctx, claims.ID); err != nil {
		return Tokens{}, User{}, err
	}

	user, err := loadUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Tokens{}, User{}, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, err)
		}
		return Tokens{}, User{}, err
	}

	refreshToken, refreshClaims, err := g.codec.IssueRefreshToken(user)
	if err != nil {
		return Tokens{}, User{}, err
	}
	if err := g.store.RotateRefreshToken(ctx, claims.ID, recordFromClaims(refreshClaims), g.now().UTC()); err != nil {
		return Tokens{}, User{}, err
	}

	accessToken, _, err := g.codec.IssueAccessToken(user)
	if err != nil {
		return Tokens{}, User{}, err
	}

	return Tokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(g.codec.AccessTTL().Seconds()),
	}, user, nil
}

func recordFromClaims(claims RefreshClaims) RefreshTokenRecord {
	return RefreshTokenRecord{
		ID:        claims.ID,
		UserID:    claims.Subject,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}
}
