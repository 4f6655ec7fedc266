package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"credential-vault/internal/account"
	"credential-vault/internal/apperr"
	"credential-vault/internal/credential"
	"credential-vault/internal/observability"
	"credential-vault/internal/token"
)

func TestSignup(t *testing.T) {
	t.Parallel()

	t.Run("creates account and session", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()

		session := f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")

		require.NotEmpty(t, session.Tokens.AccessToken)
		require.NotEmpty(t, session.Tokens.RefreshToken)
		assert.Equal(t, "jane@example.com", session.Account.Email)
		assert.Equal(t, "janedoe", session.Account.Username)
		assert.Equal(t, account.ProviderLocal, session.Account.Provider)
		assert.False(t, session.Account.IsActivated)
		assert.True(t, session.Account.HasPassword)

		access, err := f.issuer.VerifyAccess(session.Tokens.AccessToken)
		require.NoError(t, err)
		refresh, err := f.issuer.VerifyRefresh(session.Tokens.RefreshToken)
		require.NoError(t, err)
		for _, claims := range []token.Claims{access, refresh} {
			assert.Equal(t, session.Account.ID, claims.Subject)
			assert.Equal(t, "jane@example.com", claims.Email)
		}

		stored, err := f.accounts.FindByID(ctx, session.Account.ID)
		require.NoError(t, err)
		assert.Equal(t, session.Tokens.RefreshToken, stored.RefreshToken)
		assert.True(t, strings.HasPrefix(stored.PasswordHash, "$argon2id$"))
		assert.NotContains(t, stored.PasswordHash, "Master_Pa5$word")
	})

	t.Run("mismatched secrets create nothing", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()

		_, err := f.service.Signup(ctx, SignupInput{
			Email:         "jane@example.com",
			Username:      "janedoe",
			Secret:        "Master_Pa5$word",
			SecretConfirm: "Master_Pa5$wort",
		})
		assert.ErrorIs(t, err, apperr.BadRequest)

		_, err = f.accounts.FindByEmail(ctx, "jane@example.com")
		assert.ErrorIs(t, err, account.ErrNotFound)
	})

	t.Run("missing fields", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.service.Signup(context.Background(), SignupInput{Email: " ", Username: "janedoe", Secret: "x", SecretConfirm: "x"})
		assert.ErrorIs(t, err, apperr.BadRequest)
	})

	t.Run("email and username conflicts", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")

		_, err := f.service.Signup(ctx, SignupInput{Email: "jane@example.com", Username: "other", Secret: "pw123456", SecretConfirm: "pw123456"})
		assert.ErrorIs(t, err, apperr.Conflict)
		assert.Equal(t, "email already registered", apperr.PublicMessage(err))

		_, err = f.service.Signup(ctx, SignupInput{Email: "other@example.com", Username: "janedoe", Secret: "pw123456", SecretConfirm: "pw123456"})
		assert.ErrorIs(t, err, apperr.Conflict)
		assert.Equal(t, "username already taken", apperr.PublicMessage(err))
	})

	t.Run("email match is exact", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")

		session := f.signup(t, "Jane@example.com", "janedoe2", "Master_Pa5$word")
		assert.Equal(t, "Jane@example.com", session.Account.Email)
	})

	t.Run("unique violation after pre-check maps to conflict", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		store := &MockAccountStore{}
		service := NewService(store, nil, f.hasher, f.issuer, observability.NopLogger())

		store.On("FindByEmail", mock.Anything, "jane@example.com").Return(account.Account{}, account.ErrNotFound)
		store.On("FindByUsername", mock.Anything, "janedoe").Return(account.Account{}, account.ErrNotFound)
		store.On("Create", mock.Anything, mock.AnythingOfType("account.Account")).Return(account.Account{}, account.ErrUsernameTaken)

		_, err := service.Signup(context.Background(), SignupInput{Email: "jane@example.com", Username: "janedoe", Secret: "pw123456", SecretConfirm: "pw123456"})
		assert.ErrorIs(t, err, apperr.Conflict)
		store.AssertExpectations(t)
	})

	t.Run("store failure is internal", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		store := &MockAccountStore{}
		service := NewService(store, nil, f.hasher, f.issuer, observability.NopLogger())

		store.On("FindByEmail", mock.Anything, "jane@example.com").Return(account.Account{}, errors.New("connection reset"))

		_, err := service.Signup(context.Background(), SignupInput{Email: "jane@example.com", Username: "janedoe", Secret: "pw123456", SecretConfirm: "pw123456"})
		assert.ErrorIs(t, err, apperr.Internal)
		assert.Equal(t, "signup failed", apperr.PublicMessage(err))
		store.AssertExpectations(t)
	})
}

func TestLogin(t *testing.T) {
	t.Parallel()

	t.Run("rejections look identical", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		f.service.WithLockout(100, time.Minute)
		f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")

		_, err := f.accounts.Create(ctx, account.Account{
			Email:    "oauth@example.com",
			Username: "oauthonly",
			Provider: account.ProviderGoogle,
			Identity: &account.ProviderIdentity{Provider: account.ProviderGoogle, SubjectID: "g-1"},
		})
		require.NoError(t, err)

		var messages []string
		for _, tc := range []struct{ email, secret string }{
			{"jane@example.com", "wrong-password"},
			{"nobody@example.com", "Master_Pa5$word"},
			{"oauth@example.com", "anything"},
		} {
			_, err := f.service.Login(ctx, tc.email, tc.secret)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.BadRequest, tc.email)
			assert.NotErrorIs(t, err, apperr.NotFound, tc.email)
			messages = append(messages, apperr.PublicMessage(err))
		}
		assert.Equal(t, []string{"invalid email or password", "invalid email or password", "invalid email or password"}, messages)
	})

	t.Run("reuses a still valid refresh token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		signup := f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")

		f.clock.Advance(time.Minute)
		session, err := f.service.Login(ctx, "jane@example.com", "Master_Pa5$word")
		require.NoError(t, err)

		assert.NotEmpty(t, session.Tokens.AccessToken)
		assert.Empty(t, session.Tokens.RefreshToken)

		stored, err := f.accounts.FindByID(ctx, signup.Account.ID)
		require.NoError(t, err)
		assert.Equal(t, signup.Tokens.RefreshToken, stored.RefreshToken)

		claims, err := f.issuer.VerifyAccess(session.Tokens.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, signup.Account.ID, claims.Subject)
	})

	t.Run("replaces a stored token minted for another email", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		signup := f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")

		foreign, err := f.issuer.MintRefreshToken(signup.Account.ID, "someone@example.com")
		require.NoError(t, err)
		require.NoError(t, f.accounts.SetRefreshToken(ctx, signup.Account.ID, foreign, f.clock.Now().Add(time.Hour)))

		session, err := f.service.Login(ctx, "jane@example.com", "Master_Pa5$word")
		require.NoError(t, err)
		require.NotEmpty(t, session.Tokens.RefreshToken)
		assert.NotEqual(t, foreign, session.Tokens.RefreshToken)

		claims, err := f.issuer.VerifyRefresh(session.Tokens.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, "jane@example.com", claims.Email)
	})

	t.Run("replaces an expired refresh token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		signup := f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")

		f.clock.Advance(25 * time.Hour)
		session, err := f.service.Login(ctx, "jane@example.com", "Master_Pa5$word")
		require.NoError(t, err)

		require.NotEmpty(t, session.Tokens.RefreshToken)
		assert.NotEqual(t, signup.Tokens.RefreshToken, session.Tokens.RefreshToken)

		stored, err := f.accounts.FindByID(ctx, signup.Account.ID)
		require.NoError(t, err)
		assert.Equal(t, session.Tokens.RefreshToken, stored.RefreshToken)
	})

	t.Run("mints a session after signout", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		signup := f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")
		require.NoError(t, f.service.Signout(ctx, signup.Account.ID))

		session, err := f.service.Login(ctx, "jane@example.com", "Master_Pa5$word")
		require.NoError(t, err)
		require.NotEmpty(t, session.Tokens.RefreshToken)
		assert.NotEqual(t, signup.Tokens.RefreshToken, session.Tokens.RefreshToken)

		_, err = f.service.Refresh(ctx, signup.Tokens.RefreshToken)
		assert.ErrorIs(t, err, apperr.Unauthorized, "signed-out token stays dead")

		_, err = f.service.Refresh(ctx, session.Tokens.RefreshToken)
		assert.NoError(t, err)
	})

	t.Run("rehashes outdated argon2 parameters", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()

		weak, err := credential.NewHasher(credential.Params{Memory: 512, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
		require.NoError(t, err)
		oldHash, err := weak.Hash("Master_Pa5$word")
		require.NoError(t, err)

		acc, err := f.accounts.Create(ctx, account.Account{Email: "old@example.com", Username: "old", Provider: account.ProviderLocal, PasswordHash: oldHash})
		require.NoError(t, err)

		_, err = f.service.Login(ctx, "old@example.com", "Master_Pa5$word")
		require.NoError(t, err)

		stored, err := f.accounts.FindByID(ctx, acc.ID)
		require.NoError(t, err)
		assert.NotEqual(t, oldHash, stored.PasswordHash)
		assert.False(t, f.hasher.NeedsRehash(stored.PasswordHash))
	})

	t.Run("migrates legacy bcrypt hashes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()

		legacy, err := bcrypt.GenerateFromPassword([]byte("Master_Pa5$word"), bcrypt.MinCost)
		require.NoError(t, err)
		acc, err := f.accounts.Create(ctx, account.Account{Email: "legacy@example.com", Username: "legacy", Provider: account.ProviderLocal, PasswordHash: string(legacy)})
		require.NoError(t, err)

		_, err = f.service.Login(ctx, "legacy@example.com", "Master_Pa5$word")
		require.NoError(t, err)

		stored, err := f.accounts.FindByID(ctx, acc.ID)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(stored.PasswordHash, "$argon2id$"))
	})

	t.Run("locks out after repeated failures", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")

		for i := 0; i < 2; i++ {
			_, err := f.service.Login(ctx, "jane@example.com", "wrong")
			assert.ErrorIs(t, err, apperr.BadRequest)
		}

		_, err := f.service.Login(ctx, "jane@example.com", "wrong")
		var locked *LoginLockedError
		require.ErrorAs(t, err, &locked)
		assert.ErrorIs(t, err, apperr.RateLimited)
		assert.Equal(t, f.clock.Now().Add(10*time.Minute), locked.Until)

		_, err = f.service.Login(ctx, "jane@example.com", "Master_Pa5$word")
		assert.ErrorIs(t, err, apperr.RateLimited)

		f.clock.Advance(11 * time.Minute)
		_, err = f.service.Login(ctx, "jane@example.com", "Master_Pa5$word")
		require.NoError(t, err)

		attempt, err := f.attempts.GetLoginAttempt(ctx, "jane@example.com")
		require.NoError(t, err)
		assert.Zero(t, attempt.FailedAttempts)
	})

	t.Run("store failure is internal", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		store := &MockAccountStore{}
		service := NewService(store, nil, f.hasher, f.issuer, observability.NopLogger())

		store.On("FindByEmail", mock.Anything, "jane@example.com").Return(account.Account{}, errors.New("connection reset"))

		_, err := service.Login(context.Background(), "jane@example.com", "Master_Pa5$word")
		assert.ErrorIs(t, err, apperr.Internal)
		assert.NotContains(t, apperr.PublicMessage(err), "connection reset")
		store.AssertExpectations(t)
	})
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	t.Run("issues an access token only", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		signup := f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")

		f.clock.Advance(20 * time.Minute)
		pair, err := f.service.Refresh(ctx, signup.Tokens.RefreshToken)
		require.NoError(t, err)
		assert.Empty(t, pair.RefreshToken)
		assert.Equal(t, f.clock.Now().Add(15*time.Minute), pair.AccessExpiresAt)

		claims, err := f.issuer.VerifyAccess(pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, signup.Account.ID, claims.Subject)

		stored, err := f.accounts.FindByID(ctx, signup.Account.ID)
		require.NoError(t, err)
		assert.Equal(t, signup.Tokens.RefreshToken, stored.RefreshToken)
	})

	t.Run("missing token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.service.Refresh(context.Background(), "  ")
		assert.ErrorIs(t, err, apperr.BadRequest)
	})

	t.Run("expired and invalid are distinct", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		signup := f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")

		_, err := f.service.Refresh(ctx, "not.a.jwt")
		assert.ErrorIs(t, err, apperr.TokenInvalid)

		f.clock.Advance(25 * time.Hour)
		_, err = f.service.Refresh(ctx, signup.Tokens.RefreshToken)
		assert.ErrorIs(t, err, apperr.TokenExpired)
		assert.NotErrorIs(t, err, apperr.TokenInvalid)
	})

	t.Run("valid but unstored token is unauthorized", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		signup := f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")

		stray, err := f.issuer.MintRefreshToken(signup.Account.ID, "jane@example.com")
		require.NoError(t, err)
		require.NotEqual(t, signup.Tokens.RefreshToken, stray)

		_, err = f.service.Refresh(ctx, stray)
		assert.ErrorIs(t, err, apperr.Unauthorized)
		assert.NotErrorIs(t, err, apperr.TokenInvalid)
	})

	t.Run("signed out token is unauthorized", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		signup := f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")
		require.NoError(t, f.service.Signout(ctx, signup.Account.ID))

		_, err := f.service.Refresh(ctx, signup.Tokens.RefreshToken)
		assert.ErrorIs(t, err, apperr.Unauthorized)
	})

	t.Run("claims must match the holder", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		jane := f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")
		john := f.signup(t, "john@example.com", "johndoe", "Master_Pa5$word")

		forJane, err := f.issuer.MintRefreshToken(jane.Account.ID, "jane@example.com")
		require.NoError(t, err)
		require.NoError(t, f.accounts.SetRefreshToken(ctx, john.Account.ID, forJane, f.clock.Now().Add(time.Hour)))

		_, err = f.service.Refresh(ctx, forJane)
		assert.ErrorIs(t, err, apperr.Unauthorized)
		assert.Equal(t, "refresh token does not match account", apperr.PublicMessage(err))
	})
}

func TestSignout(t *testing.T) {
	t.Parallel()

	t.Run("second signout conflicts", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		signup := f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")

		require.NoError(t, f.service.Signout(ctx, signup.Account.ID))

		stored, err := f.accounts.FindByID(ctx, signup.Account.ID)
		require.NoError(t, err)
		assert.Empty(t, stored.RefreshToken)
		require.NotNil(t, stored.LastSignoutAt)
		assert.Equal(t, f.clock.Now(), *stored.LastSignoutAt)

		err = f.service.Signout(ctx, signup.Account.ID)
		assert.ErrorIs(t, err, apperr.Conflict)
		assert.Equal(t, "already signed out", apperr.PublicMessage(err))
	})

	t.Run("unknown account", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		err := f.service.Signout(context.Background(), "0190f5d2-0000-7000-8000-000000000001")
		assert.ErrorIs(t, err, apperr.NotFound)
	})

	t.Run("concurrent signouts succeed once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		signup := f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")

		const workers = 10
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := f.service.Signout(ctx, signup.Account.ID)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					successes++
					return
				}
				if errors.Is(err, apperr.Conflict) {
					conflicts++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, workers-1, conflicts)
	})

	t.Run("token not found by value conflicts", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		store := &MockAccountStore{}
		service := NewService(store, nil, f.hasher, f.issuer, observability.NopLogger())

		acc := account.Account{ID: "acc-1", Email: "jane@example.com", RefreshToken: "stale"}
		store.On("FindByID", mock.Anything, "acc-1").Return(acc, nil)
		store.On("FindByRefreshToken", mock.Anything, "stale").Return(account.Account{}, account.ErrNotFound)

		err := service.Signout(context.Background(), "acc-1")
		assert.ErrorIs(t, err, apperr.Conflict)
		store.AssertNotCalled(t, "ClearRefreshToken", mock.Anything, mock.Anything, mock.Anything)
		store.AssertExpectations(t)
	})

	t.Run("lost race on clear conflicts", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		store := &MockAccountStore{}
		service := NewService(store, nil, f.hasher, f.issuer, observability.NopLogger())

		acc := account.Account{ID: "acc-1", Email: "jane@example.com", RefreshToken: "live"}
		store.On("FindByID", mock.Anything, "acc-1").Return(acc, nil)
		store.On("FindByRefreshToken", mock.Anything, "live").Return(acc, nil)
		store.On("ClearRefreshToken", mock.Anything, "acc-1", mock.AnythingOfType("time.Time")).Return(account.ErrNoSession)

		err := service.Signout(context.Background(), "acc-1")
		assert.ErrorIs(t, err, apperr.Conflict)
		store.AssertExpectations(t)
	})
}

func TestCurrentAccount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	signup := f.signup(t, "jane@example.com", "janedoe", "Master_Pa5$word")

	profile, err := f.service.CurrentAccount(ctx, signup.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, signup.Account.ID, profile.ID)
	assert.Equal(t, "janedoe", profile.Username)
	assert.True(t, profile.HasPassword)
	assert.False(t, profile.LinkedGoogle)

	_, err = f.service.CurrentAccount(ctx, "missing")
	assert.ErrorIs(t, err, apperr.NotFound)
}
