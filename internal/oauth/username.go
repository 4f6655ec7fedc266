package oauth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"credential-vault/internal/account"
	"credential-vault/internal/apperr"
)

const (
	maxBaseLength        = 15
	maxSuffixAttempts    = 10
	suffixMin            = 1000
	suffixSpan           = 9000
	fallbackUsernameBase = "user"
)

var disallowedUsernameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// BaseUsername derives a username stem from a Google profile: the given and
// family names, else the email local part, else "user".
func BaseUsername(givenName, familyName, email string) string {
	if base := sanitizeUsername(givenName + familyName); base != "" {
		return base
	}
	local, _, _ := strings.Cut(email, "@")
	if base := sanitizeUsername(local); base != "" {
		return base
	}
	return fallbackUsernameBase
}

func sanitizeUsername(raw string) string {
	clean := strings.ToLower(disallowedUsernameChars.ReplaceAllString(raw, ""))
	if len(clean) > maxBaseLength {
		clean = clean[:maxBaseLength]
	}
	return clean
}

type usernameLookup interface {
	FindByUsername(ctx context.Context, username string) (account.Account, error)
}

// UsernameGenerator picks a free username for a new federated account. It
// tries the base, then up to maxSuffixAttempts random four digit suffixes,
// then a UUID-derived suffix. The store's unique constraint stays the final
// arbiter; callers retry on a username conflict.
type UsernameGenerator struct {
	accounts usernameLookup
	suffix   func() (int, error)
	fallback func() (string, error)
}

func NewUsernameGenerator(accounts usernameLookup) *UsernameGenerator {
	return &UsernameGenerator{
		accounts: accounts,
		suffix:   randomSuffix,
		fallback: uuidSuffix,
	}
}

func (g *UsernameGenerator) Generate(ctx context.Context, base string) (string, error) {
	free, err := g.isFree(ctx, base)
	if err != nil {
		return "", err
	}
	if free {
		return base, nil
	}

	for range maxSuffixAttempts {
		n, err := g.suffix()
		if err != nil {
			return "", apperr.AsInternal("username generation failed", err)
		}
		candidate := fmt.Sprintf("%s_%d", base, n)
		free, err := g.isFree(ctx, candidate)
		if err != nil {
			return "", err
		}
		if free {
			return candidate, nil
		}
	}

	tail, err := g.fallback()
	if err != nil {
		return "", apperr.AsInternal("username generation failed", err)
	}
	return base + "_" + tail, nil
}

func (g *UsernameGenerator) isFree(ctx context.Context, username string) (bool, error) {
	_, err := g.accounts.FindByUsername(ctx, username)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, account.ErrNotFound) {
		return true, nil
	}
	return false, apperr.AsInternal("username lookup failed", err)
}

func randomSuffix() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(suffixSpan))
	if err != nil {
		return 0, err
	}
	return suffixMin + int(n.Int64()), nil
}

// uuidSuffix takes eight hex characters from the random tail of a UUIDv7.
// The leading characters encode the timestamp and repeat for a minute.
func uuidSuffix() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	hex := strings.ReplaceAll(id.String(), "-", "")
	return hex[len(hex)-8:], nil
}
