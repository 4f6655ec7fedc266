package oauth

import (
	"net/http"

	"credential-vault/internal/auth"
	"credential-vault/internal/httpx"
	"credential-vault/internal/observability"
)

type Handler struct {
	linker  *Linker
	cookies *auth.CookieManager
	logger  *observability.Logger
}

func NewHandler(linker *Linker, cookies *auth.CookieManager, logger *observability.Logger) *Handler {
	return &Handler{linker: linker, cookies: cookies, logger: logger}
}

type callbackRequest struct {
	Code string `json:"code"`
}

type authorizationURLResponse struct {
	URL string `json:"url"`
}

func (h *Handler) AuthorizationURL(w http.ResponseWriter, r *http.Request) {
	url, err := h.linker.AuthorizationURL()
	if err != nil {
		httpx.WriteError(w, r, h.logger, "google_authorization_url", err)
		return
	}

	httpx.WriteData(w, http.StatusOK, authorizationURLResponse{URL: url})
}

func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	var body callbackRequest
	if err := httpx.DecodeJSON(w, r, &body); err != nil {
		httpx.WriteError(w, r, h.logger, "google_callback", err)
		return
	}

	session, err := h.linker.CompleteCallback(r.Context(), body.Code)
	if err != nil {
		httpx.WriteError(w, r, h.logger, "google_callback", err)
		return
	}

	h.cookies.WriteSession(w, http.StatusOK, session)
}
