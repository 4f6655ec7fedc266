// Package vault serves vault helpers that need no entry storage, such as
// suggesting strong passwords for new entries.
package vault

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"credential-vault/internal/apperr"
	"credential-vault/internal/auth"
	"credential-vault/internal/credential"
	"credential-vault/internal/httpx"
	"credential-vault/internal/observability"
)

type Handler struct {
	generate func(length int) (string, error)
	logger   *observability.Logger
}

func NewHandler(logger *observability.Logger) *Handler {
	return &Handler{generate: credential.GenerateSecret, logger: logger}
}

type generatedPassword struct {
	Password string `json:"password"`
	Length   int    `json:"length"`
}

// GeneratePassword serves GET /vault/passwords/generate?length=N. It must be
// mounted behind auth.Middleware.
func (h *Handler) GeneratePassword(w http.ResponseWriter, r *http.Request) {
	if auth.AccountID(r.Context()) == "" {
		httpx.WriteError(w, r, h.logger, "generate_password", apperr.New(apperr.KindUnauthorized, "missing authorization token"))
		return
	}

	length := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("length")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(w, r, h.logger, "generate_password", apperr.New(apperr.KindBadRequest, "length must be an integer"))
			return
		}
		length = parsed
		if length == 0 {
			httpx.WriteError(w, r, h.logger, "generate_password", apperr.Wrap(apperr.KindBadRequest, credential.ErrSecretLength.Error(), credential.ErrSecretLength))
			return
		}
	}

	password, err := h.generate(length)
	if err != nil {
		if errors.Is(err, credential.ErrSecretLength) {
			err = apperr.Wrap(apperr.KindBadRequest, err.Error(), err)
		}
		httpx.WriteError(w, r, h.logger, "generate_password", err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteData(w, http.StatusOK, generatedPassword{Password: password, Length: len(password)})
}
