package maintenance

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"credential-vault/internal/apperr"
	"credential-vault/internal/httpx"
	"credential-vault/internal/observability"
)

// SessionCleaner drops refresh tokens that expired before now.
type SessionCleaner interface {
	ClearExpiredSessions(ctx context.Context, now time.Time, batchSize int) (int64, error)
}

// AttemptCleaner drops unlocked login counters untouched since cutoff.
type AttemptCleaner interface {
	DeleteStaleLoginAttempts(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

type CleanupResult struct {
	ClearedSessions      int64 `json:"cleared_sessions"`
	DeletedLoginAttempts int64 `json:"deleted_login_attempts"`
}

// CleanupHandler is triggered by an external scheduler with the cron secret
// as a bearer token. It is disabled while no secret is configured.
type CleanupHandler struct {
	sessions              SessionCleaner
	attempts              AttemptCleaner
	logger                *observability.Logger
	cronSecret            string
	loginAttemptRetention time.Duration
	batchSize             int
	now                   func() time.Time
}

func NewCleanupHandler(
	sessions SessionCleaner,
	attempts AttemptCleaner,
	logger *observability.Logger,
	cronSecret string,
	loginAttemptRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	return &CleanupHandler{
		sessions:              sessions,
		attempts:              attempts,
		logger:                logger,
		cronSecret:            strings.TrimSpace(cronSecret),
		loginAttemptRetention: loginAttemptRetention,
		batchSize:             batchSize,
		now:                   time.Now,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		httpx.WriteError(w, r, h.logger, "cleanup", apperr.New(apperr.KindNotFound, "not found"))
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	presented, ok := httpx.BearerToken(r)
	if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(h.cronSecret)) != 1 {
		httpx.WriteError(w, r, h.logger, "cleanup", apperr.New(apperr.KindUnauthorized, "unauthorized"))
		return
	}

	result, err := h.Run(r.Context())
	if err != nil {
		httpx.WriteError(w, r, h.logger, "cleanup", apperr.AsInternal("cleanup failed", err))
		return
	}

	httpx.WriteData(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

// Run performs one cleanup pass.
func (h *CleanupHandler) Run(ctx context.Context) (CleanupResult, error) {
	now := h.now().UTC()

	var result CleanupResult
	cleared, err := h.sessions.ClearExpiredSessions(ctx, now, h.batchSize)
	if err != nil {
		return result, err
	}
	result.ClearedSessions = cleared

	if h.attempts != nil && h.loginAttemptRetention > 0 {
		deleted, err := h.attempts.DeleteStaleLoginAttempts(ctx, now.Add(-h.loginAttemptRetention), h.batchSize)
		if err != nil {
			return result, err
		}
		result.DeletedLoginAttempts = deleted
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"cleared_sessions":       result.ClearedSessions,
		"deleted_login_attempts": result.DeletedLoginAttempts,
	})
	return result, nil
}
