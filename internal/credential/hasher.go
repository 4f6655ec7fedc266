package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Params are the argon2id cost parameters. They are fixed at startup from
// configuration and never accepted per call.
type Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams: 64 MiB, 5 passes, 1 lane.
var DefaultParams = Params{
	Memory:      64 * 1024,
	Iterations:  5,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Upper bounds accepted from configuration and from stored hashes.
const (
	MaxMemory     = 1024 * 1024 // KiB
	MaxIterations = 64
	maxSaltLength = 64
	maxKeyLength  = 128
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrUnsupportedHash     = errors.New("unsupported hash algorithm")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrInvalidParams       = errors.New("invalid argon2 parameters")
)

type Hasher struct {
	params Params
}

func NewHasher(params Params) (*Hasher, error) {
	if params.Memory == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		return nil, ErrInvalidParams
	}
	if params.Memory > MaxMemory || params.Iterations > MaxIterations {
		return nil, ErrInvalidParams
	}
	if params.SaltLength < 8 || params.SaltLength > maxSaltLength {
		return nil, ErrInvalidParams
	}
	if params.KeyLength < 16 || params.KeyLength > maxKeyLength {
		return nil, ErrInvalidParams
	}
	return &Hasher{params: params}, nil
}

func (h *Hasher) Params() Params {
	return h.params
}

// Hash returns a PHC-formatted argon2id hash of secret.
func (h *Hasher) Hash(secret string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(secret), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether secret matches hash. Legacy bcrypt hashes are
// accepted so older accounts can still sign in and be migrated lazily.
func (h *Hasher) Verify(hash, secret string) (bool, error) {
	if isBcrypt(hash) {
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("compare bcrypt hash: %w", err)
		}
		return true, nil
	}

	params, salt, key, err := decode(hash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(secret), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	return subtle.ConstantTimeCompare(key, computed) == 1, nil
}

// NeedsRehash reports whether hash was produced with parameters other than
// the configured ones. Unparseable and bcrypt hashes always need a rehash.
func (h *Hasher) NeedsRehash(hash string) bool {
	if isBcrypt(hash) {
		return true
	}
	params, salt, _, err := decode(hash)
	if err != nil {
		return true
	}
	return params.Memory != h.params.Memory ||
		params.Iterations != h.params.Iterations ||
		params.Parallelism != h.params.Parallelism ||
		params.KeyLength != h.params.KeyLength ||
		uint32(len(salt)) != h.params.SaltLength
}

const secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*()_+{}[]<>?,."

const (
	DefaultSecretLength = 16
	MinSecretLength     = 8
	MaxSecretLength     = 128
)

var ErrSecretLength = fmt.Errorf("secret length must be between %d and %d", MinSecretLength, MaxSecretLength)

// GenerateSecret samples a random password from crypto/rand. A length of 0
// selects DefaultSecretLength.
func GenerateSecret(length int) (string, error) {
	if length == 0 {
		length = DefaultSecretLength
	}
	if length < MinSecretLength || length > MaxSecretLength {
		return "", ErrSecretLength
	}

	limit := big.NewInt(int64(len(secretAlphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		out[i] = secretAlphabet[n.Int64()]
	}
	return string(out), nil
}

func isBcrypt(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}

func decode(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if parts[1] != "argon2id" {
		return Params{}, nil, nil, ErrUnsupportedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: version: %v", ErrInvalidHash, err)
	}
	if version != argon2.Version {
		return Params{}, nil, nil, ErrIncompatibleVersion
	}

	var params Params
	var parallelism uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &parallelism); err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: parameters: %v", ErrInvalidHash, err)
	}
	if parallelism == 0 || parallelism > 255 {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if params.Memory == 0 || params.Memory > MaxMemory || params.Iterations == 0 || params.Iterations > MaxIterations {
		return Params{}, nil, nil, fmt.Errorf("%w: parameters out of range", ErrInvalidHash)
	}
	params.Parallelism = uint8(parallelism)

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: salt: %v", ErrInvalidHash, err)
	}
	if len(salt) == 0 || len(salt) > maxSaltLength {
		return Params{}, nil, nil, fmt.Errorf("%w: salt length", ErrInvalidHash)
	}
	params.SaltLength = uint32(len(salt))

	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: key: %v", ErrInvalidHash, err)
	}
	if len(key) == 0 || len(key) > maxKeyLength {
		return Params{}, nil, nil, fmt.Errorf("%w: key length", ErrInvalidHash)
	}
	params.KeyLength = uint32(len(key))

	return params, salt, key, nil
}
