package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"credential-vault/internal/account"
	"credential-vault/internal/credential"
	"credential-vault/internal/observability"
	"credential-vault/internal/token"
)

var (
	signingKeyOnce sync.Once
	signingKey     *rsa.PrivateKey
	signingKeyErr  error
)

func testSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	signingKeyOnce.Do(func() {
		signingKey, signingKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	require.NoError(t, signingKeyErr)
	return signingKey
}

var fastParams = credential.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock    *testClock
	accounts *account.MemoryStore
	attempts *memoryAttempts
	hasher   *credential.Hasher
	issuer   *token.Issuer
	service  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	key := testSigningKey(t)

	issuer, err := token.NewIssuer(token.Config{
		PrivateKey: key,
		PublicKey:  &key.PublicKey,
		Issuer:     "credential-vault",
		Audience:   "credential-vault-clients",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		Now:        clock.Now,
	})
	require.NoError(t, err)

	hasher, err := credential.NewHasher(fastParams)
	require.NoError(t, err)

	accounts := account.NewMemoryStore()
	attempts := newMemoryAttempts()

	service := NewService(accounts, attempts, hasher, issuer, observability.NopLogger())
	service.now = clock.Now
	service.WithLockout(3, 10*time.Minute)

	return &fixture{
		clock:    clock,
		accounts: accounts,
		attempts: attempts,
		hasher:   hasher,
		issuer:   issuer,
		service:  service,
	}
}

func (f *fixture) signup(t *testing.T, email, username, secret string) Session {
	t.Helper()
	session, err := f.service.Signup(context.Background(), SignupInput{
		Email:         email,
		Username:      username,
		Secret:        secret,
		SecretConfirm: secret,
	})
	require.NoError(t, err)
	return session
}

type memoryAttempts struct {
	mu       sync.Mutex
	attempts map[string]LoginAttempt
}

func newMemoryAttempts() *memoryAttempts {
	return &memoryAttempts{attempts: make(map[string]LoginAttempt)}
}

func (m *memoryAttempts) GetLoginAttempt(_ context.Context, email string) (LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt, ok := m.attempts[email]
	if !ok {
		return LoginAttempt{Email: email}, nil
	}
	return attempt, nil
}

func (m *memoryAttempts) RegisterFailedAttempt(_ context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt := m.attempts[email]
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		until := *attempt.LockedUntil
		return &until, nil
	}

	failed, lock := nextAttemptState(attempt.FailedAttempts, maxAttempts, lockDuration, now)
	m.attempts[email] = LoginAttempt{Email: email, FailedAttempts: failed, LockedUntil: lock}
	return lock, nil
}

func (m *memoryAttempts) ResetLoginAttempt(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, email)
	return nil
}

// MockAccountStore is a testify mock of AccountStore.
type MockAccountStore struct {
	mock.Mock
}

func (m *MockAccountStore) Create(ctx context.Context, acc account.Account) (account.Account, error) {
	args := m.Called(ctx, acc)
	return args.Get(0).(account.Account), args.Error(1)
}

func (m *MockAccountStore) FindByID(ctx context.Context, id string) (account.Account, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(account.Account), args.Error(1)
}

func (m *MockAccountStore) FindByEmail(ctx context.Context, email string) (account.Account, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(account.Account), args.Error(1)
}

func (m *MockAccountStore) FindByUsername(ctx context.Context, username string) (account.Account, error) {
	args := m.Called(ctx, username)
	return args.Get(0).(account.Account), args.Error(1)
}

func (m *MockAccountStore) FindByRefreshToken(ctx context.Context, refreshToken string) (account.Account, error) {
	args := m.Called(ctx, refreshToken)
	return args.Get(0).(account.Account), args.Error(1)
}

func (m *MockAccountStore) SetRefreshToken(ctx context.Context, id, refreshToken string, expiresAt time.Time) error {
	args := m.Called(ctx, id, refreshToken, expiresAt)
	return args.Error(0)
}

func (m *MockAccountStore) ClearRefreshToken(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockAccountStore) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	args := m.Called(ctx, id, passwordHash)
	return args.Error(0)
}
