package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	otpKeyPrefix     = "otp:password_reset:"
	otpRetentionTail = 10 * time.Minute
	maxOTPTxRetries  = 4
)

type OTPStore interface {
	Issue(ctx context.Context, challenge OTPChallenge) error
	Verify(ctx context.Context, email, code string, now time.Time) error
	Consume(ctx context.Context, email, code string, now time.Time, apply func(context.Context) error) error
}

// RedisOTPStore keeps one challenge per email under a single key. Issuing
// overwrites the key in one SET, so a newer challenge always replaces the
// older one. The key outlives the challenge by otpRetentionTail so an expired
// code is reported as expired rather than unknown.
type RedisOTPStore struct {
	client      redis.UniversalClient
	maxAttempts int
}

func NewRedisOTPStore(client redis.UniversalClient, maxAttempts int) *RedisOTPStore {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &RedisOTPStore{client: client, maxAttempts: maxAttempts}
}

func (s *RedisOTPStore) key(email string) string {
	return otpKeyPrefix + email
}

func (s *RedisOTPStore) Issue(ctx context.Context, challenge OTPChallenge) error {
	payload, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("encode otp challenge: %w", err)
	}

	ttl := challenge.ExpiresAt.Sub(challenge.IssuedAt) + otpRetentionTail
	if err := s.client.Set(ctx, s.key(challenge.Email), payload, ttl).Err(); err != nil {
		return storeError("save otp challenge", err)
	}
	return nil
}

// Verify marks the challenge verified when code matches and the challenge
// has not expired. Wrong codes count towards maxAttempts, after which the
// challenge is discarded.
func (s *RedisOTPStore) Verify(ctx context.Context, email, code string, now time.Time) error {
	key := s.key(email)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		challenge, err := s.load(ctx, tx, key)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrInvalidOTP
			}
			return err
		}

		if !challenge.matches(code) {
			return s.registerMismatch(ctx, tx, key, challenge)
		}
		if now.After(challenge.ExpiresAt) {
			return ErrOTPExpired
		}

		challenge.Verified = true
		return s.save(ctx, tx, key, challenge)
	})
}

// Consume claims a verified, unexpired challenge matching code by deleting
// it, then runs apply outside any Redis transaction. If apply fails the
// challenge is put back, unless a newer one was issued in the meantime, so the
// caller can retry.
func (s *RedisOTPStore) Consume(ctx context.Context, email, code string, now time.Time, apply func(context.Context) error) error {
	key := s.key(email)
	claimed, ttl, err := s.claim(ctx, key, code, now)
	if err != nil {
		return err
	}

	if err := apply(ctx); err != nil {
		if restoreErr := s.restore(context.WithoutCancel(ctx), key, claimed, ttl); restoreErr != nil {
			return errors.Join(err, restoreErr)
		}
		return err
	}
	return nil
}

// claim removes the challenge for key in one WATCH/MULTI round when code
// matches and the challenge is verified and live. It returns the removed
// challenge and the TTL it had left.
func (s *RedisOTPStore) claim(ctx context.Context, key, code string, now time.Time) (OTPChallenge, time.Duration, error) {
	var claimed OTPChallenge
	var ttl time.Duration
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		challenge, err := s.load(ctx, tx, key)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrOTPNotVerified
			}
			return err
		}

		if !challenge.matches(code) {
			return s.registerMismatch(ctx, tx, key, challenge)
		}
		if !challenge.Verified {
			return ErrOTPNotVerified
		}
		if now.After(challenge.ExpiresAt) {
			return ErrOTPExpired
		}

		remaining, err := tx.PTTL(ctx, key).Result()
		if err != nil {
			return storeError("read otp challenge ttl", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err := pipelineError("claim otp challenge", err); err != nil {
			return err
		}
		claimed, ttl = challenge, remaining
		return nil
	})
	return claimed, ttl, err
}

func (s *RedisOTPStore) restore(ctx context.Context, key string, challenge OTPChallenge, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = challenge.ExpiresAt.Sub(challenge.IssuedAt) + otpRetentionTail
	}
	payload, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("encode otp challenge: %w", err)
	}
	if err := s.client.SetNX(ctx, key, payload, ttl).Err(); err != nil {
		return storeError("restore otp challenge", err)
	}
	return nil
}

func (s *RedisOTPStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisOTPStore) registerMismatch(ctx context.Context, tx *redis.Tx, key string, challenge OTPChallenge) error {
	challenge.Attempts++
	if challenge.Attempts >= s.maxAttempts {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err := pipelineError("discard otp challenge", err); err != nil {
			return err
		}
		return ErrInvalidOTP
	}

	if err := s.save(ctx, tx, key, challenge); err != nil {
		return err
	}
	return ErrInvalidOTP
}

func (s *RedisOTPStore) load(ctx context.Context, tx *redis.Tx, key string) (OTPChallenge, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return OTPChallenge{}, redis.Nil
		}
		return OTPChallenge{}, storeError("load otp challenge", err)
	}

	var challenge OTPChallenge
	if err := json.Unmarshal(data, &challenge); err != nil {
		return OTPChallenge{}, fmt.Errorf("decode otp challenge: %w", err)
	}
	return challenge, nil
}

func (s *RedisOTPStore) save(ctx context.Context, tx *redis.Tx, key string, challenge OTPChallenge) error {
	payload, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("encode otp challenge: %w", err)
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, payload, redis.KeepTTL)
		return nil
	})
	return pipelineError("update otp challenge", err)
}

// watch runs fn under WATCH key, retrying when another client modified the
// key between the read and the EXEC.
func (s *RedisOTPStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxOTPTxRetries; i++ {
		var outcome error
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			outcome = fn(tx)
			return outcome
		}, key)

		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case outcome != nil:
			return outcome
		default:
			return storeError("watch otp challenge", err)
		}
	}
	return fmt.Errorf("%w: otp challenge contended", ErrStoreUnavailable)
}

func pipelineError(op string, err error) error {
	if err == nil || errors.Is(err, redis.TxFailedErr) {
		return err
	}
	return storeError(op, err)
}

func (c OTPChallenge) matches(code string) bool {
	provided := otpDigest(c.Email, code)
	return subtle.ConstantTimeCompare([]byte(c.CodeDigest), []byte(provided)) == 1
}

func otpDigest(email, code string) string {
	sum := sha256.Sum256([]byte(email + ":" + code))
	return hex.EncodeToString(sum[:])
}

// generateOTP returns a uniformly random six digit code in [100000, 999999].
func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
