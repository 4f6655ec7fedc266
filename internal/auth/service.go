package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"credential-vault/internal/account"
	"credential-vault/internal/apperr"
	"credential-vault/internal/observability"
	"credential-vault/internal/token"
)

const (
	defaultMaxAttempts = 5
	defaultLockWindow  = 15 * time.Minute
)

var (
	errInvalidCredentials = apperr.New(apperr.KindBadRequest, "invalid email or password")
	errAlreadySignedOut   = apperr.New(apperr.KindConflict, "already signed out")
	errAccountNotFound    = apperr.New(apperr.KindNotFound, "account not found")
)

// LoginLockedError is returned while an email is locked out after too many
// failed logins. It unwraps to a RateLimited apperr.
type LoginLockedError struct {
	Until time.Time
}

func (e *LoginLockedError) Error() string {
	return "login temporarily locked"
}

func (e *LoginLockedError) Unwrap() error {
	return apperr.New(apperr.KindRateLimited, "too many failed login attempts, try again later")
}

type Service struct {
	accounts     AccountStore
	attempts     AttemptStore
	hasher       PasswordHasher
	tokens       TokenIssuer
	logger       *observability.Logger
	now          func() time.Time
	maxAttempts  int
	lockDuration time.Duration
}

// NewService wires the session lifecycle. attempts may be nil to disable the
// per-email lockout.
func NewService(accounts AccountStore, attempts AttemptStore, hasher PasswordHasher, tokens TokenIssuer, logger *observability.Logger) *Service {
	return &Service{
		accounts:     accounts,
		attempts:     attempts,
		hasher:       hasher,
		tokens:       tokens,
		logger:       logger,
		now:          time.Now,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
	}
}

func (s *Service) WithLockout(maxAttempts int, lockDuration time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
}

func (s *Service) Signup(ctx context.Context, in SignupInput) (Session, error) {
	email := strings.TrimSpace(in.Email)
	username := strings.TrimSpace(in.Username)
	if email == "" || username == "" || in.Secret == "" {
		return Session{}, apperr.New(apperr.KindBadRequest, "email, username and password are required")
	}
	if in.Secret != in.SecretConfirm {
		return Session{}, apperr.New(apperr.KindBadRequest, "passwords do not match")
	}

	if err := s.ensureFree(ctx, email, username); err != nil {
		return Session{}, err
	}

	hash, err := s.hasher.Hash(in.Secret)
	if err != nil {
		return Session{}, apperr.AsInternal("signup failed", err)
	}

	created, err := s.accounts.Create(ctx, account.Account{
		Email:        email,
		Username:     username,
		Provider:     account.ProviderLocal,
		PasswordHash: hash,
	})
	if err != nil {
		return Session{}, mapCreateError(err)
	}

	s.logger.Info("account_created", map[string]any{"account_id": created.ID, "provider": string(created.Provider)})
	return s.StartSession(ctx, created)
}

func (s *Service) ensureFree(ctx context.Context, email, username string) error {
	if _, err := s.accounts.FindByEmail(ctx, email); err == nil {
		return apperr.New(apperr.KindConflict, "email already registered")
	} else if !errors.Is(err, account.ErrNotFound) {
		return apperr.AsInternal("signup failed", err)
	}

	if _, err := s.accounts.FindByUsername(ctx, username); err == nil {
		return apperr.New(apperr.KindConflict, "username already taken")
	} else if !errors.Is(err, account.ErrNotFound) {
		return apperr.AsInternal("signup failed", err)
	}

	return nil
}

// Login verifies the password and returns a session. A stored refresh token
// that still verifies is kept, in which case only an access token is minted.
func (s *Service) Login(ctx context.Context, email, secret string) (Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || secret == "" {
		return Session{}, apperr.New(apperr.KindBadRequest, "email and password are required")
	}

	now := s.now().UTC()
	if err := s.checkLock(ctx, email, now); err != nil {
		return Session{}, err
	}

	acc, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return Session{}, s.failLogin(ctx, email, now)
		}
		return Session{}, apperr.AsInternal("login failed", err)
	}
	if !acc.HasPassword() {
		return Session{}, s.failLogin(ctx, email, now)
	}

	ok, err := s.hasher.Verify(acc.PasswordHash, secret)
	if err != nil {
		return Session{}, apperr.AsInternal("login failed", err)
	}
	if !ok {
		return Session{}, s.failLogin(ctx, email, now)
	}

	if s.attempts != nil {
		if err := s.attempts.ResetLoginAttempt(ctx, email); err != nil {
			return Session{}, apperr.AsInternal("login failed", err)
		}
	}

	s.rehashIfNeeded(ctx, acc, secret)
	return s.resumeSession(ctx, acc)
}

func (s *Service) checkLock(ctx context.Context, email string, now time.Time) error {
	if s.attempts == nil {
		return nil
	}
	attempt, err := s.attempts.GetLoginAttempt(ctx, email)
	if err != nil {
		return apperr.AsInternal("login failed", err)
	}
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		return &LoginLockedError{Until: *attempt.LockedUntil}
	}
	return nil
}

func (s *Service) failLogin(ctx context.Context, email string, now time.Time) error {
	if s.attempts == nil {
		return errInvalidCredentials
	}
	lockedUntil, err := s.attempts.RegisterFailedAttempt(ctx, email, s.maxAttempts, s.lockDuration, now)
	if err != nil {
		return apperr.AsInternal("login failed", err)
	}
	if lockedUntil != nil {
		s.logger.Warn("login_locked", map[string]any{"until": lockedUntil.Format(time.RFC3339)})
		return &LoginLockedError{Until: *lockedUntil}
	}
	return errInvalidCredentials
}

func (s *Service) rehashIfNeeded(ctx context.Context, acc account.Account, secret string) {
	if !s.hasher.NeedsRehash(acc.PasswordHash) {
		return
	}

	hash, err := s.hasher.Hash(secret)
	if err == nil {
		err = s.accounts.UpdatePasswordHash(ctx, acc.ID, hash)
	}
	if err != nil {
		s.logger.Warn("password_rehash_failed", map[string]any{"account_id": acc.ID, "error": err.Error()})
		return
	}
	s.logger.Info("password_rehashed", map[string]any{"account_id": acc.ID})
}

func (s *Service) resumeSession(ctx context.Context, acc account.Account) (Session, error) {
	if acc.HasSession() {
		claims, err := s.tokens.VerifyRefresh(acc.RefreshToken)
		if err == nil && claimsMatch(claims, acc) {
			access, err := s.tokens.MintAccessToken(acc.ID, acc.Email)
			if err != nil {
				return Session{}, apperr.AsInternal("login failed", err)
			}
			return Session{
				Account: NewProfile(acc),
				Tokens: token.Pair{
					AccessToken:     access,
					AccessExpiresAt: s.now().UTC().Add(s.tokens.AccessTTL()),
				},
			}, nil
		}
	}

	return s.StartSession(ctx, acc)
}

// claimsMatch reports whether a refresh token was minted for acc.
func claimsMatch(claims token.Claims, acc account.Account) bool {
	return claims.Subject == acc.ID && claims.Email == acc.Email
}

// StartSession mints a fresh token pair and stores its refresh token on the
// account, replacing any previous one.
func (s *Service) StartSession(ctx context.Context, acc account.Account) (Session, error) {
	pair, err := s.tokens.MintPair(acc.ID, acc.Email)
	if err != nil {
		return Session{}, apperr.AsInternal("session could not be started", err)
	}

	if err := s.accounts.SetRefreshToken(ctx, acc.ID, pair.RefreshToken, pair.RefreshExpiresAt); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return Session{}, errAccountNotFound
		}
		return Session{}, apperr.AsInternal("session could not be started", err)
	}

	acc.RefreshToken = pair.RefreshToken
	expiresAt := pair.RefreshExpiresAt
	acc.RefreshTokenExpiresAt = &expiresAt

	return Session{Account: NewProfile(acc), Tokens: pair}, nil
}

// Refresh exchanges a stored refresh token for a new access token. The
// refresh token itself is not rotated.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (token.Pair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return token.Pair{}, apperr.New(apperr.KindBadRequest, "refresh token is required")
	}

	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return token.Pair{}, apperr.AsInternal("refresh failed", err)
	}

	acc, err := s.accounts.FindByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return token.Pair{}, apperr.New(apperr.KindUnauthorized, "refresh token is not recognized")
		}
		return token.Pair{}, apperr.AsInternal("refresh failed", err)
	}
	if !claimsMatch(claims, acc) {
		s.logger.Warn("refresh_claims_mismatch", map[string]any{"account_id": acc.ID})
		return token.Pair{}, apperr.New(apperr.KindUnauthorized, "refresh token does not match account")
	}

	access, err := s.tokens.MintAccessToken(acc.ID, acc.Email)
	if err != nil {
		return token.Pair{}, apperr.AsInternal("refresh failed", err)
	}

	return token.Pair{
		AccessToken:     access,
		AccessExpiresAt: s.now().UTC().Add(s.tokens.AccessTTL()),
	}, nil
}

// Signout clears the account's refresh token. A second signout, or one
// racing with another, fails with Conflict.
func (s *Service) Signout(ctx context.Context, accountID string) error {
	acc, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return errAccountNotFound
		}
		return apperr.AsInternal("signout failed", err)
	}
	if !acc.HasSession() {
		return errAlreadySignedOut
	}

	holder, err := s.accounts.FindByRefreshToken(ctx, acc.RefreshToken)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return errAlreadySignedOut
		}
		return apperr.AsInternal("signout failed", err)
	}
	if holder.ID != acc.ID {
		return errAlreadySignedOut
	}

	if err := s.accounts.ClearRefreshToken(ctx, acc.ID, s.now().UTC()); err != nil {
		if errors.Is(err, account.ErrNoSession) {
			return errAlreadySignedOut
		}
		return apperr.AsInternal("signout failed", err)
	}

	s.logger.Info("account_signed_out", map[string]any{"account_id": acc.ID})
	return nil
}

func (s *Service) CurrentAccount(ctx context.Context, accountID string) (Profile, error) {
	acc, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return Profile{}, errAccountNotFound
		}
		return Profile{}, apperr.AsInternal("account lookup failed", err)
	}
	return NewProfile(acc), nil
}

func mapCreateError(err error) error {
	switch {
	case errors.Is(err, account.ErrEmailTaken):
		return apperr.Wrap(apperr.KindConflict, "email already registered", err)
	case errors.Is(err, account.ErrUsernameTaken):
		return apperr.Wrap(apperr.KindConflict, "username already taken", err)
	case errors.Is(err, account.ErrInvalidAccount):
		return apperr.Wrap(apperr.KindBadRequest, "account details are invalid", err)
	default:
		return apperr.AsInternal("signup failed", err)
	}
}
