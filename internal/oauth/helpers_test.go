package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"credential-vault/internal/account"
	"credential-vault/internal/auth"
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

// MockProvider is a testify mock of Provider.
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) AuthCodeURL() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *MockProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	args := m.Called(ctx, code)
	tok, _ := args.Get(0).(*oauth2.Token)
	return tok, args.Error(1)
}

func (m *MockProvider) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	args := m.Called(ctx, accessToken)
	return args.Get(0).(Profile), args.Error(1)
}

// flakyStore fails the first createFailures Create calls with a username
// conflict, as if another request took the name between lookup and insert.
type flakyStore struct {
	*account.MemoryStore
	mu             sync.Mutex
	createFailures int
	creates        int
}

func (s *flakyStore) Create(ctx context.Context, acc account.Account) (account.Account, error) {
	s.mu.Lock()
	s.creates++
	fail := s.creates <= s.createFailures
	s.mu.Unlock()
	if fail {
		return account.Account{}, account.ErrUsernameTaken
	}
	return s.MemoryStore.Create(ctx, acc)
}

type linkerFixture struct {
	accounts *account.MemoryStore
	provider *MockProvider
	issuer   *token.Issuer
	service  *auth.Service
	linker   *Linker
}

func newLinkerFixture(t *testing.T) *linkerFixture {
	t.Helper()
	accounts := account.NewMemoryStore()
	return newLinkerFixtureWith(t, accounts, accounts)
}

func newLinkerFixtureWith(t *testing.T, accounts *account.MemoryStore, store AccountStore) *linkerFixture {
	t.Helper()

	key := testSigningKey(t)
	issuer, err := token.NewIssuer(token.Config{
		PrivateKey: key,
		PublicKey:  &key.PublicKey,
		Issuer:     "credential-vault",
		Audience:   "credential-vault-clients",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	})
	require.NoError(t, err)

	hasher, err := credential.NewHasher(credential.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	require.NoError(t, err)

	logger := observability.NopLogger()
	service := auth.NewService(accounts, nil, hasher, issuer, logger)
	provider := &MockProvider{}

	return &linkerFixture{
		accounts: accounts,
		provider: provider,
		issuer:   issuer,
		service:  service,
		linker:   NewLinker(provider, store, service, logger),
	}
}

func (f *linkerFixture) expectGoogle(code string, profile Profile) {
	f.provider.On("Exchange", mock.Anything, code).Return(&oauth2.Token{AccessToken: "google-access-" + code}, nil).Once()
	f.provider.On("FetchProfile", mock.Anything, "google-access-"+code).Return(profile, nil).Once()
}

func janeProfile() Profile {
	return Profile{
		SubjectID:     "google-sub-1",
		Email:         "jane@example.com",
		VerifiedEmail: true,
		GivenName:     "Jane",
		FamilyName:    "Doe",
		Picture:       "https://lh3.googleusercontent.com/jane.png",
	}
}
