package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"credential-vault/internal/account"
	"credential-vault/internal/auth"
	"credential-vault/internal/config"
	"credential-vault/internal/credential"
	"credential-vault/internal/db"
	"credential-vault/internal/httpx"
	"credential-vault/internal/maintenance"
	"credential-vault/internal/oauth"
	"credential-vault/internal/observability"
	"credential-vault/internal/token"
	"credential-vault/internal/vault"
)

type Options struct {
	LoadDotEnv bool
}

type Runtime struct {
	Config  config.Config
	Handler http.Handler
	Close   func() error
}

// AccountStore is everything the routes need from account persistence.
type AccountStore interface {
	auth.AccountStore
	LinkIdentity(ctx context.Context, id string, identity account.ProviderIdentity, picture string) error
	maintenance.SessionCleaner
}

type AttemptStore interface {
	auth.AttemptStore
	maintenance.AttemptCleaner
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Components are the wired dependencies behind the HTTP routes.
type Components struct {
	Accounts AccountStore
	Attempts AttemptStore
	Hasher   *credential.Hasher
	Issuer   *token.Issuer
	Google   oauth.Provider
	Health   Pinger
	Logger   *observability.Logger

	// RateLimits backs the login IP limiter. Nil keeps it in process memory.
	RateLimits auth.RateLimitStore
}

func Build(options Options) (*Runtime, error) {
	logger := observability.NewLogger()

	cfg, err := config.Load(options.LoadDotEnv)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	privateKey, publicKey, err := cfg.LoadKeys()
	if err != nil {
		return nil, err
	}
	issuer, err := token.NewIssuer(token.Config{
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := credential.NewHasher(cfg.HasherParams())
	if err != nil {
		return nil, fmt.Errorf("init hasher: %w", err)
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.RunMigrations {
		applied, err := db.RunMigrations(ctx, database)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations_applied", map[string]any{"versions": applied})
		}
	}

	var (
		redisClient *redis.Client
		rateLimits  auth.RateLimitStore
	)
	if cfg.RedisURL != "" {
		redisClient, err = connectRedis(ctx, cfg.RedisURL, cfg.RedisConnectTimeout, cfg.RedisRetryAttempts)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rateLimits = auth.NewRedisRateLimitStore(redisClient, "login_rl")
	} else {
		logger.Warn("login_rate_limit_in_memory", nil)
	}

	handler := NewHandler(cfg, Components{
		Accounts: account.NewRepository(database),
		Attempts: auth.NewAttemptRepository(database),
		Hasher:   hasher,
		Issuer:   issuer,
		Google: oauth.NewGoogleProvider(oauth.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			Timeout:      cfg.GoogleOAuthTimeout,
		}),
		Health:     database,
		Logger:     logger,
		RateLimits: rateLimits,
	})

	if !cfg.GoogleEnabled() {
		logger.Warn("google_oauth_disabled", nil)
	}

	return &Runtime{
		Config:  cfg,
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			var redisErr error
			if redisClient != nil {
				redisErr = redisClient.Close()
			}
			return errors.Join(database.Close(), redisErr)
		},
	}, nil
}

// NewHandler registers every route and wraps the mux with the recover and
// request logging middleware.
func NewHandler(cfg config.Config, c Components) http.Handler {
	logger := c.Logger

	authService := auth.NewService(c.Accounts, c.Attempts, c.Hasher, c.Issuer, logger)
	authService.WithLockout(cfg.LoginMaxAttempts, cfg.LoginLockDuration)

	cookies := auth.NewCookieManager(cfg.IsProduction())
	authHandler := auth.NewHandler(authService, cookies, logger)
	loginLimiter := auth.NewLoginRateLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow, logger).
		WithStore(c.RateLimits)

	linker := oauth.NewLinker(c.Google, c.Accounts, authService, logger)
	oauthHandler := oauth.NewHandler(linker, cookies, logger)

	vaultHandler := vault.NewHandler(logger)

	cleanupHandler := maintenance.NewCleanupHandler(
		c.Accounts,
		c.Attempts,
		logger,
		cfg.CronSecret,
		cfg.LoginAttemptRetention,
		cfg.CleanupBatchSize,
	)

	protected := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(c.Issuer, logger, h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", authHandler.Register)
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.Handle("POST /auth/signout", protected(authHandler.Signout))
	mux.Handle("GET /auth/me", protected(authHandler.Me))
	mux.HandleFunc("GET /auth/google/url", oauthHandler.AuthorizationURL)
	mux.HandleFunc("POST /auth/google/callback", oauthHandler.Callback)
	mux.Handle("GET /vault/passwords/generate", protected(vaultHandler.GeneratePassword))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(c.Health))

	return observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))
}

func healthHandler(database Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		httpx.WriteJSON(w, status, body)
	}
}
