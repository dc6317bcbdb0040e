package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var (
	testAccessSecret  = []byte("access-secret-access-secret-0123456789")
	testRefreshSecret = []byte("refresh-secret-refresh-secret-0123456789")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memoryUsers struct {
	mu     sync.Mutex
	byID   map[string]User
	failOn string
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{byID: make(map[string]User)}
}

func (m *memoryUsers) GetByUsername(_ context.Context, username string) (User, error) {
	return m.find(func(u User) bool { return u.Username == username })
}

func (m *memoryUsers) GetByEmail(_ context.Context, email string) (User, error) {
	return m.find(func(u User) bool { return u.Email == email })
}

func (m *memoryUsers) GetByID(_ context.Context, id string) (User, error) {
	return m.find(func(u User) bool { return u.ID == id })
}

func (m *memoryUsers) find(match func(User) bool) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if match(u) {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (m *memoryUsers) CreateUser(_ context.Context, input NewUser) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Username == input.Username || u.Email == input.Email {
			return User{}, ErrIdentityTaken
		}
	}

	now := time.Now().UTC()
	user := User{
		ID:            uuid.NewString(),
		Username:      input.Username,
		Email:         input.Email,
		PasswordHash:  input.PasswordHash,
		FirstName:     input.FirstName,
		LastName:      input.LastName,
		OAuthProvider: input.OAuthProvider,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.byID[user.ID] = user
	return user, nil
}

func (m *memoryUsers) UpdatePasswordHash(_ context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "update_password" {
		return errors.New("write failed")
	}
	user, ok := m.byID[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.PasswordHash = passwordHash
	m.byID[userID] = user
	return nil
}

func (m *memoryUsers) TouchLastLogin(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.byID[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.LastLoginAt = &at
	m.byID[userID] = user
	return nil
}

func (m *memoryUsers) delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
}

func (m *memoryUsers) passwordHash(t *testing.T, username string) string {
	t.Helper()
	user, err := m.GetByUsername(context.Background(), username)
	require.NoError(t, err)
	return user.PasswordHash
}

type memoryAttempts struct {
	mu       sync.Mutex
	attempts map[string]LoginAttempt
}

func newMemoryAttempts() *memoryAttempts {
	return &memoryAttempts{attempts: make(map[string]LoginAttempt)}
}

func (m *memoryAttempts) GetLoginAttempt(_ context.Context, username string) (LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt, ok := m.attempts[username]
	if !ok {
		return LoginAttempt{Username: username}, nil
	}
	return attempt, nil
}

func (m *memoryAttempts) RegisterFailedAttempt(_ context.Context, username string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt := m.attempts[username]
	attempt.Username = username
	attempt.FailedAttempts++
	if attempt.FailedAttempts >= maxAttempts {
		until := now.Add(lockDuration)
		attempt.FailedAttempts = 0
		attempt.LockedUntil = &until
		m.attempts[username] = attempt
		return &until, nil
	}
	m.attempts[username] = attempt
	return nil, nil
}

func (m *memoryAttempts) ResetLoginAttempt(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, username)
	return nil
}

// memoryRefreshStore mirrors the repository's conditional rotate: the old
// record is revoked only if it is still live, under one lock.
type memoryRefreshStore struct {
	mu      sync.Mutex
	records map[string]RefreshTokenRecord
	err     error
}

func newMemoryRefreshStore() *memoryRefreshStore {
	return &memoryRefreshStore{records: make(map[string]RefreshTokenRecord)}
}

func (m *memoryRefreshStore) CreateRefreshToken(_ context.Context, record RefreshTokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records[record.ID] = record
	return nil
}

func (m *memoryRefreshStore) GetRefreshToken(_ context.Context, id string) (RefreshTokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return RefreshTokenRecord{}, m.err
	}
	record, ok := m.records[id]
	if !ok {
		return RefreshTokenRecord{}, ErrInvalidRefreshToken
	}
	return record, nil
}

func (m *memoryRefreshStore) RotateRefreshToken(_ context.Context, oldID string, next RefreshTokenRecord, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	old, ok := m.records[oldID]
	if !ok {
		return ErrInvalidRefreshToken
	}
	if old.Revoked() {
		return errors.Join(ErrInvalidRefreshToken, ErrRevokedToken)
	}
	if !now.Before(old.ExpiresAt) || old.UserID != next.UserID {
		return ErrInvalidRefreshToken
	}
	old.RevokedAt = &now
	old.ReplacedBy = next.ID
	m.records[oldID] = old
	m.records[next.ID] = next
	return nil
}

func (m *memoryRefreshStore) RevokeRefreshToken(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	record, ok := m.records[id]
	if !ok || record.Revoked() {
		return nil
	}
	record.RevokedAt = &now
	m.records[id] = record
	return nil
}

func (m *memoryRefreshStore) RevokeUserRefreshTokens(_ context.Context, userID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	var n int64
	for id, record := range m.records {
		if record.UserID == userID && !record.Revoked() {
			record.RevokedAt = &now
			m.records[id] = record
			n++
		}
	}
	return n, nil
}

func (m *memoryRefreshStore) live(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, record := range m.records {
		if record.UserID == userID && !record.Revoked() {
			n++
		}
	}
	return n
}

type recordingEvents struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEvents) Record(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type capturedMessage struct {
	to, subject, body string
}

type captureNotifier struct {
	mu       sync.Mutex
	messages []capturedMessage
	err      error
}

func (n *captureNotifier) Send(_ context.Context, to, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.messages = append(n.messages, capturedMessage{to: to, subject: subject, body: body})
	return nil
}

// testEnv is a fully wired session manager and password reset manager over
// in-memory stores, miniredis and a controllable clock.
type testEnv struct {
	clock    *fakeClock
	codec    *TokenCodec
	users    *memoryUsers
	attempts *memoryAttempts
	refresh  *memoryRefreshStore
	otps     *RedisOTPStore
	redis    *miniredis.Miniredis
	events   *recordingEvents
	notifier *captureNotifier
	sessions *Service
	resets   *PasswordResetService
	codes    []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := newFakeClock()
	codec, err := NewTokenCodec(TokenCodecConfig{
		AccessSecret:  testAccessSecret,
		RefreshSecret: testRefreshSecret,
		Now:           clock.Now,
	})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := &testEnv{
		clock:    clock,
		codec:    codec,
		users:    newMemoryUsers(),
		attempts: newMemoryAttempts(),
		refresh:  newMemoryRefreshStore(),
		otps:     NewRedisOTPStore(client, 5),
		redis:    mr,
		events:   &recordingEvents{},
		notifier: &captureNotifier{},
	}

	hasher := NewPasswordHasher(bcrypt.MinCost)
	env.sessions = NewService(ServiceDeps{
		Users:    env.users,
		Attempts: env.attempts,
		Tokens:   env.refresh,
		Codec:    codec,
		Hasher:   hasher,
		Events:   env.events,
	}, ServiceConfig{
		MaxAttempts:  3,
		LockDuration: 15 * time.Minute,
		Now:          clock.Now,
	})

	env.resets = NewPasswordResetService(PasswordResetDeps{
		Users:    env.users,
		OTPs:     env.otps,
		Registry: env.sessions.Registry(),
		Hasher:   hasher,
		Notifier: env.notifier,
		Events:   env.events,
	}, PasswordResetConfig{Now: clock.Now})
	env.resets.generate = func() (string, error) {
		code, err := generateOTP()
		if err == nil {
			env.codes = append(env.codes, code)
		}
		return code, err
	}

	return env
}

func (e *testEnv) lastCode(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, e.codes)
	return e.codes[len(e.codes)-1]
}

func (e *testEnv) registerAlice(t *testing.T) User {
	t.Helper()
	_, user, err := e.sessions.Register(context.Background(), RegisterInput{
		Username:        "alice",
		Email:           "alice@example.com",
		Password:        "pw123456789012",
		ConfirmPassword: "pw123456789012",
		FirstName:       "Alice",
		LastName:        "Liddell",
	})
	require.NoError(t, err)
	return user
}
