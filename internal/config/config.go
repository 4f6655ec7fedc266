package config

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"

	"credential-vault/internal/credential"
)

// Config is the process configuration. It is parsed once at startup and
// passed to the components that need it.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"development"`
	Port   string `env:"PORT" envDefault:"8080"`

	DatabaseURL       string        `env:"DATABASE_URL,required"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	DBConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"10m"`
	RunMigrations     bool          `env:"RUN_MIGRATIONS_ON_STARTUP" envDefault:"true"`

	JWTPrivateKeyPath string        `env:"JWT_PRIVATE_KEY_PATH"`
	JWTPublicKeyPath  string        `env:"JWT_PUBLIC_KEY_PATH"`
	JWTPrivateKeyPEM  string        `env:"JWT_PRIVATE_KEY"`
	JWTPublicKeyPEM   string        `env:"JWT_PUBLIC_KEY"`
	JWTIssuer         string        `env:"JWT_ISSUER,required"`
	JWTAudience       string        `env:"JWT_AUDIENCE,required"`
	AccessTokenTTL    time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL   time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`

	LoginMaxAttempts     int           `env:"LOGIN_MAX_ATTEMPTS" envDefault:"5"`
	LoginLockDuration    time.Duration `env:"LOGIN_LOCK_DURATION" envDefault:"15m"`
	LoginRateLimitMax    int           `env:"LOGIN_RATE_LIMIT_MAX" envDefault:"10"`
	LoginRateLimitWindow time.Duration `env:"LOGIN_RATE_LIMIT_WINDOW" envDefault:"1m"`

	RedisURL            string        `env:"REDIS_URL"`
	RedisConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"5s"`
	RedisRetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`

	Argon2MemoryKiB   uint32 `env:"ARGON2_MEMORY_KIB" envDefault:"65536"`
	Argon2Time        uint32 `env:"ARGON2_TIME" envDefault:"5"`
	Argon2Parallelism uint8  `env:"ARGON2_PARALLELISM" envDefault:"1"`

	GoogleClientID     string        `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string        `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string        `env:"GOOGLE_OAUTH_REDIRECT_URL"`
	GoogleOAuthTimeout time.Duration `env:"GOOGLE_OAUTH_TIMEOUT" envDefault:"10s"`

	SentryDSN string `env:"SENTRY_DSN"`

	CronSecret            string        `env:"CRON_SECRET"`
	LoginAttemptRetention time.Duration `env:"AUTH_LOGIN_ATTEMPT_RETENTION" envDefault:"720h"`
	CleanupBatchSize      int           `env:"AUTH_CLEANUP_BATCH_SIZE" envDefault:"500"`
}

// Load reads an optional .env file and parses the process environment.
func Load(loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFrom parses cfg from the given variables only. Used by tests and tools.
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.JWTPrivateKeyPath) == "" && strings.TrimSpace(c.JWTPrivateKeyPEM) == "" {
		errs = append(errs, errors.New("JWT_PRIVATE_KEY_PATH or JWT_PRIVATE_KEY is required"))
	}
	if strings.TrimSpace(c.JWTPublicKeyPath) == "" && strings.TrimSpace(c.JWTPublicKeyPEM) == "" {
		errs = append(errs, errors.New("JWT_PUBLIC_KEY_PATH or JWT_PUBLIC_KEY is required"))
	}
	if c.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("ACCESS_TOKEN_TTL must be positive"))
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		errs = append(errs, errors.New("REFRESH_TOKEN_TTL must be longer than ACCESS_TOKEN_TTL"))
	}
	if c.LoginMaxAttempts <= 0 || c.LoginLockDuration <= 0 {
		errs = append(errs, errors.New("login lockout settings must be positive"))
	}
	if c.LoginRateLimitMax <= 0 || c.LoginRateLimitWindow <= 0 {
		errs = append(errs, errors.New("login rate limit settings must be positive"))
	}
	if _, err := credential.NewHasher(c.HasherParams()); err != nil {
		errs = append(errs, fmt.Errorf("argon2 settings: %w", err))
	}
	if c.RedisURL != "" && (c.RedisConnectTimeout <= 0 || c.RedisRetryAttempts <= 0) {
		errs = append(errs, errors.New("redis connect settings must be positive"))
	}
	if c.GoogleOAuthTimeout <= 0 {
		errs = append(errs, errors.New("GOOGLE_OAUTH_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// GoogleEnabled reports whether the Google sign-in flow is configured.
func (c Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

func (c Config) HasherParams() credential.Params {
	params := credential.DefaultParams
	params.Memory = c.Argon2MemoryKiB
	params.Iterations = c.Argon2Time
	params.Parallelism = c.Argon2Parallelism
	return params
}

// LoadKeys reads the RSA signing key pair. Inline PEM values win over paths.
func (c Config) LoadKeys() (*rsa.PrivateKey, *rsa.PublicKey, error) {
	privatePEM, err := pemSource(c.JWTPrivateKeyPEM, c.JWTPrivateKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read jwt private key: %w", err)
	}
	publicPEM, err := pemSource(c.JWTPublicKeyPEM, c.JWTPublicKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read jwt public key: %w", err)
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parse jwt private key: %w", err)
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(publicPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	if !privateKey.PublicKey.Equal(publicKey) {
		return nil, nil, errors.New("jwt public key does not match private key")
	}

	return privateKey, publicKey, nil
}

func pemSource(inline, path string) ([]byte, error) {
	if strings.TrimSpace(inline) != "" {
		// Platforms that only allow single-line values store PEMs with literal \n.
		return []byte(strings.ReplaceAll(inline, `\n`, "\n")), nil
	}
	return os.ReadFile(path)
}
