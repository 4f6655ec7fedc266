package account

import "errors"

var (
	ErrNotFound      = errors.New("account not found")
	ErrEmailTaken    = errors.New("email already registered")
	ErrUsernameTaken = errors.New("username already taken")
	ErrIdentityTaken = errors.New("provider identity already linked")
	ErrTokenTaken    = errors.New("refresh token already stored")
	ErrAlreadyLinked = errors.New("account already has a provider identity")
	ErrNoSession     = errors.New("account has no active session")
)
