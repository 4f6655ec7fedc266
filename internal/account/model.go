package account

import (
	"errors"
	"strings"
	"time"
)

// Provider names the identity provider an account was created through.
type Provider string

const (
	ProviderLocal    Provider = "local"
	ProviderGoogle   Provider = "google"
	ProviderFacebook Provider = "facebook"
	ProviderGithub   Provider = "github"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderLocal, ProviderGoogle, ProviderFacebook, ProviderGithub:
		return true
	default:
		return false
	}
}

// ProviderIdentity is the federated half of an account's credential.
type ProviderIdentity struct {
	Provider  Provider
	SubjectID string
}

// Account is the persisted user record. An account holds a password hash,
// a federated identity, or both.
type Account struct {
	ID           string
	Email        string
	Username     string
	Provider     Provider
	PasswordHash string
	Identity     *ProviderIdentity
	Picture      string
	IsActivated  bool

	RefreshToken          string
	RefreshTokenExpiresAt *time.Time
	LastSignoutAt         *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

var ErrInvalidAccount = errors.New("invalid account")

// Validate checks the structural invariants the store relies on.
func (a Account) Validate() error {
	if strings.TrimSpace(a.Email) == "" {
		return errors.Join(ErrInvalidAccount, errors.New("email is required"))
	}
	if strings.TrimSpace(a.Username) == "" {
		return errors.Join(ErrInvalidAccount, errors.New("username is required"))
	}
	if !a.Provider.Valid() {
		return errors.Join(ErrInvalidAccount, errors.New("unknown provider "+string(a.Provider)))
	}
	if a.PasswordHash == "" && a.Identity == nil {
		return errors.Join(ErrInvalidAccount, errors.New("account has no credential"))
	}
	if a.Identity != nil {
		if a.Identity.Provider == ProviderLocal || !a.Identity.Provider.Valid() || a.Identity.SubjectID == "" {
			return errors.Join(ErrInvalidAccount, errors.New("provider identity is incomplete"))
		}
	}
	if a.Provider != ProviderLocal && (a.Identity == nil || a.Identity.Provider != a.Provider) {
		return errors.Join(ErrInvalidAccount, errors.New("federated account must carry its provider identity"))
	}
	return nil
}

func (a Account) HasPassword() bool {
	return a.PasswordHash != ""
}

func (a Account) HasSession() bool {
	return a.RefreshToken != ""
}

func (a Account) IsFederated() bool {
	return a.Identity != nil
}
