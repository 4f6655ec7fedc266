package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"credential-vault/internal/apperr"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Config holds everything the issuer needs. Keys are loaded once at startup.
type Config struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
}

// Type separates access tokens from refresh tokens.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// Claims is the payload shared by access and refresh tokens.
type Claims struct {
	Email string `json:"email"`
	Type  Type   `json:"typ"`
	jwt.RegisteredClaims
}

// Pair is a freshly minted access/refresh token pair.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Issuer mints RS256 tokens with the private key and verifies them with the
// public key. It holds no per-session state.
type Issuer struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	parser     *jwt.Parser
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.PrivateKey == nil {
		return nil, errors.New("token issuer: private key is required")
	}
	if cfg.PublicKey == nil {
		return nil, errors.New("token issuer: public key is required")
	}
	if strings.TrimSpace(cfg.Issuer) == "" || strings.TrimSpace(cfg.Audience) == "" {
		return nil, errors.New("token issuer: issuer and audience are required")
	}
	if cfg.AccessTTL < 0 || cfg.RefreshTTL < 0 {
		return nil, errors.New("token issuer: ttl must not be negative")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	i := &Issuer{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PublicKey,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        cfg.Now,
	}
	i.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return i.now() }),
	)
	return i, nil
}

// WithDefaults fills zero TTLs with the stock values.
func (c Config) WithDefaults() Config {
	if c.AccessTTL == 0 {
		c.AccessTTL = defaultAccessTTL
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = defaultRefreshTTL
	}
	return c
}

func (i *Issuer) AccessTTL() time.Duration {
	return i.accessTTL
}

func (i *Issuer) RefreshTTL() time.Duration {
	return i.refreshTTL
}

func (i *Issuer) MintAccessToken(subjectID, email string) (string, error) {
	signed, _, err := i.mint(subjectID, email, TypeAccess, i.accessTTL)
	return signed, err
}

func (i *Issuer) MintRefreshToken(subjectID, email string) (string, error) {
	signed, _, err := i.mint(subjectID, email, TypeRefresh, i.refreshTTL)
	return signed, err
}

// MintPair mints both tokens with identical subject and email claims.
func (i *Issuer) MintPair(subjectID, email string) (Pair, error) {
	access, accessExp, err := i.mint(subjectID, email, TypeAccess, i.accessTTL)
	if err != nil {
		return Pair{}, err
	}
	refresh, refreshExp, err := i.mint(subjectID, email, TypeRefresh, i.refreshTTL)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// VerifyAccess accepts only access tokens. Expired tokens fail with
// apperr.TokenExpired, everything else with apperr.TokenInvalid.
func (i *Issuer) VerifyAccess(raw string) (Claims, error) {
	return i.verify(raw, TypeAccess)
}

// VerifyRefresh accepts only refresh tokens.
func (i *Issuer) VerifyRefresh(raw string) (Claims, error) {
	return i.verify(raw, TypeRefresh)
}

// verify checks signature, algorithm, issuer, audience, time claims and the
// token type.
func (i *Issuer) verify(raw string, want Type) (Claims, error) {
	var claims Claims
	_, err := i.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return i.publicKey, nil
	})
	if err != nil {
		return Claims{}, mapError(err)
	}
	if claims.Subject == "" {
		return Claims{}, apperr.New(apperr.KindTokenInvalid, "token subject is missing")
	}
	if claims.Type != want {
		return Claims{}, apperr.New(apperr.KindTokenInvalid, "token type is not accepted here")
	}
	return claims, nil
}

func (i *Issuer) mint(subjectID, email string, typ Type, ttl time.Duration) (string, time.Time, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.KindInternal, "failed to sign token", err)
	}

	now := i.now().UTC()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Email: email,
		Type:  typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.String(),
			Subject:   subjectID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.privateKey)
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.KindInternal, "failed to sign token", err)
	}
	return signed, expiresAt, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.Wrap(apperr.KindTokenExpired, "token has expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperr.Wrap(apperr.KindTokenInvalid, "token signature is invalid", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return apperr.Wrap(apperr.KindTokenInvalid, "token was not issued for this service", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return apperr.Wrap(apperr.KindTokenInvalid, "token is malformed", err)
	default:
		return apperr.Wrap(apperr.KindTokenInvalid, "token is invalid", fmt.Errorf("verify token: %w", err))
	}
}
