package auth

import (
	"context"
	"time"

	"credential-vault/internal/account"
	"credential-vault/internal/token"
)

// AccountStore is the subset of the account repository the session
// lifecycle needs.
type AccountStore interface {
	Create(ctx context.Context, acc account.Account) (account.Account, error)
	FindByID(ctx context.Context, id string) (account.Account, error)
	FindByEmail(ctx context.Context, email string) (account.Account, error)
	FindByUsername(ctx context.Context, username string) (account.Account, error)
	FindByRefreshToken(ctx context.Context, refreshToken string) (account.Account, error)
	SetRefreshToken(ctx context.Context, id, refreshToken string, expiresAt time.Time) error
	ClearRefreshToken(ctx context.Context, id string, at time.Time) error
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error
}

// AttemptStore tracks failed logins per email for the lockout policy.
type AttemptStore interface {
	GetLoginAttempt(ctx context.Context, email string) (LoginAttempt, error)
	RegisterFailedAttempt(ctx context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, email string) error
}

type PasswordHasher interface {
	Hash(secret string) (string, error)
	Verify(hash, secret string) (bool, error)
	NeedsRehash(hash string) bool
}

type TokenIssuer interface {
	MintPair(subjectID, email string) (token.Pair, error)
	MintAccessToken(subjectID, email string) (string, error)
	VerifyRefresh(raw string) (token.Claims, error)
	AccessTTL() time.Duration
}
