package oauth

import (
	"context"
	"errors"
	"strings"

	"credential-vault/internal/account"
	"credential-vault/internal/apperr"
	"credential-vault/internal/auth"
	"credential-vault/internal/observability"
)

const maxCreateAttempts = 3

type AccountStore interface {
	Create(ctx context.Context, acc account.Account) (account.Account, error)
	FindByEmail(ctx context.Context, email string) (account.Account, error)
	FindByUsername(ctx context.Context, username string) (account.Account, error)
	LinkIdentity(ctx context.Context, id string, identity account.ProviderIdentity, picture string) error
}

type SessionStarter interface {
	StartSession(ctx context.Context, acc account.Account) (auth.Session, error)
}

// Linker completes the Google sign-in: it finds or creates the local account
// for the Google profile and starts a session for it.
type Linker struct {
	provider  Provider
	accounts  AccountStore
	sessions  SessionStarter
	usernames *UsernameGenerator
	logger    *observability.Logger
}

func NewLinker(provider Provider, accounts AccountStore, sessions SessionStarter, logger *observability.Logger) *Linker {
	return &Linker{
		provider:  provider,
		accounts:  accounts,
		sessions:  sessions,
		usernames: NewUsernameGenerator(accounts),
		logger:    logger,
	}
}

func (l *Linker) AuthorizationURL() (string, error) {
	url, err := l.provider.AuthCodeURL()
	if err != nil {
		return "", apperr.AsInternal("google authorization url unavailable", err)
	}
	return url, nil
}

func (l *Linker) CompleteCallback(ctx context.Context, code string) (auth.Session, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return auth.Session{}, apperr.New(apperr.KindBadRequest, "authorization code is required")
	}

	tok, err := l.provider.Exchange(ctx, code)
	if err != nil {
		return auth.Session{}, apperr.AsInternal("google token exchange failed", err)
	}

	profile, err := l.provider.FetchProfile(ctx, tok.AccessToken)
	if err != nil {
		return auth.Session{}, apperr.AsInternal("google profile request failed", err)
	}
	profile.Email = strings.TrimSpace(profile.Email)
	if profile.SubjectID == "" || profile.Email == "" {
		return auth.Session{}, apperr.New(apperr.KindBadRequest, "google profile is missing id or email")
	}
	if !profile.VerifiedEmail {
		return auth.Session{}, apperr.New(apperr.KindBadRequest, "google email is not verified")
	}

	acc, err := l.resolveAccount(ctx, profile)
	if err != nil {
		return auth.Session{}, err
	}

	return l.sessions.StartSession(ctx, acc)
}

func (l *Linker) resolveAccount(ctx context.Context, profile Profile) (account.Account, error) {
	acc, err := l.accounts.FindByEmail(ctx, profile.Email)
	if err == nil {
		return l.link(ctx, acc, profile)
	}
	if !errors.Is(err, account.ErrNotFound) {
		return account.Account{}, apperr.AsInternal("google sign-in failed", err)
	}

	acc, err = l.createFederated(ctx, profile)
	if errors.Is(err, account.ErrEmailTaken) {
		// Lost a race with a concurrent sign-in for the same email.
		existing, findErr := l.accounts.FindByEmail(ctx, profile.Email)
		if findErr != nil {
			return account.Account{}, apperr.AsInternal("google sign-in failed", findErr)
		}
		return l.link(ctx, existing, profile)
	}
	return acc, err
}

func (l *Linker) link(ctx context.Context, acc account.Account, profile Profile) (account.Account, error) {
	identity := account.ProviderIdentity{Provider: account.ProviderGoogle, SubjectID: profile.SubjectID}

	if acc.Identity != nil {
		if *acc.Identity != identity {
			return account.Account{}, apperr.New(apperr.KindConflict, "account is linked to a different identity")
		}
		return acc, nil
	}

	err := l.accounts.LinkIdentity(ctx, acc.ID, identity, profile.Picture)
	switch {
	case err == nil:
	case errors.Is(err, account.ErrIdentityTaken):
		return account.Account{}, apperr.Wrap(apperr.KindConflict, "google account is linked to another user", err)
	case errors.Is(err, account.ErrAlreadyLinked):
		return l.reload(ctx, acc.Email, identity)
	default:
		return account.Account{}, apperr.AsInternal("google sign-in failed", err)
	}

	acc.Identity = &identity
	if acc.Picture == "" {
		acc.Picture = profile.Picture
	}
	l.logger.Info("google_identity_linked", map[string]any{"account_id": acc.ID})
	return acc, nil
}

// reload handles a link that raced with another callback for the same account.
func (l *Linker) reload(ctx context.Context, email string, identity account.ProviderIdentity) (account.Account, error) {
	acc, err := l.accounts.FindByEmail(ctx, email)
	if err != nil {
		return account.Account{}, apperr.AsInternal("google sign-in failed", err)
	}
	if acc.Identity == nil || *acc.Identity != identity {
		return account.Account{}, apperr.New(apperr.KindConflict, "account is linked to a different identity")
	}
	return acc, nil
}

func (l *Linker) createFederated(ctx context.Context, profile Profile) (account.Account, error) {
	base := BaseUsername(profile.GivenName, profile.FamilyName, profile.Email)

	for range maxCreateAttempts {
		username, err := l.usernames.Generate(ctx, base)
		if err != nil {
			return account.Account{}, err
		}

		created, err := l.accounts.Create(ctx, account.Account{
			Email:       profile.Email,
			Username:    username,
			Provider:    account.ProviderGoogle,
			Identity:    &account.ProviderIdentity{Provider: account.ProviderGoogle, SubjectID: profile.SubjectID},
			Picture:     profile.Picture,
			IsActivated: true,
		})
		switch {
		case err == nil:
			l.logger.Info("account_created", map[string]any{"account_id": created.ID, "provider": string(created.Provider)})
			return created, nil
		case errors.Is(err, account.ErrUsernameTaken):
			l.logger.Warn("username_taken_on_create", map[string]any{"username": username})
			continue
		case errors.Is(err, account.ErrEmailTaken):
			return account.Account{}, err
		case errors.Is(err, account.ErrIdentityTaken):
			return account.Account{}, apperr.Wrap(apperr.KindConflict, "google account is linked to another user", err)
		default:
			return account.Account{}, apperr.AsInternal("google sign-in failed", err)
		}
	}

	return account.Account{}, apperr.New(apperr.KindConflict, "could not allocate a unique username")
}
