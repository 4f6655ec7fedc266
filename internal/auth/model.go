package auth

import (
	"time"

	"credential-vault/internal/account"
	"credential-vault/internal/token"
)

// Session is the result of a successful signup, login or OAuth callback.
// Tokens.RefreshToken is empty when login reused the stored refresh token.
type Session struct {
	Account Profile
	Tokens  token.Pair
}

type SignupInput struct {
	Email         string
	Username      string
	Secret        string
	SecretConfirm string
}

// Profile is the client-safe projection of an account.
type Profile struct {
	ID            string           `json:"id"`
	Email         string           `json:"email"`
	Username      string           `json:"username"`
	Provider      account.Provider `json:"provider"`
	Picture       string           `json:"picture,omitempty"`
	IsActivated   bool             `json:"is_activated"`
	HasPassword   bool             `json:"has_password"`
	LinkedGoogle  bool             `json:"linked_google"`
	CreatedAt     time.Time        `json:"created_at"`
	LastSignoutAt *time.Time       `json:"last_signout_at,omitempty"`
}

func NewProfile(acc account.Account) Profile {
	return Profile{
		ID:            acc.ID,
		Email:         acc.Email,
		Username:      acc.Username,
		Provider:      acc.Provider,
		Picture:       acc.Picture,
		IsActivated:   acc.IsActivated,
		HasPassword:   acc.HasPassword(),
		LinkedGoogle:  acc.Identity != nil && acc.Identity.Provider == account.ProviderGoogle,
		CreatedAt:     acc.CreatedAt,
		LastSignoutAt: acc.LastSignoutAt,
	}
}

type LoginAttempt struct {
	Email          string
	FailedAttempts int
	LockedUntil    *time.Time
}

// AccessToken is the body returned by the refresh endpoint.
type AccessToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
