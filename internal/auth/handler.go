package auth

import (
	"errors"
	"math"
	"net/http"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"credential-vault/internal/apperr"
	"credential-vault/internal/httpx"
	"credential-vault/internal/observability"
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,32}$`)

const (
	minPasswordLength = 8
	maxPasswordLength = 200
)

type Handler struct {
	service *Service
	cookies *CookieManager
	logger  *observability.Logger
}

func NewHandler(service *Service, cookies *CookieManager, logger *observability.Logger) *Handler {
	return &Handler{service: service, cookies: cookies, logger: logger}
}

type signupRequest struct {
	Email           string `json:"email"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Account     Profile `json:"account"`
	AccessToken string  `json:"access_token"`
	TokenType   string  `json:"token_type"`
	ExpiresIn   int64   `json:"expires_in"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body signupRequest
	if err := httpx.DecodeJSON(w, r, &body); err != nil {
		httpx.WriteError(w, r, h.logger, "signup", err)
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	body.Username = strings.TrimSpace(body.Username)
	if err := validateEmail(body.Email); err != nil {
		httpx.WriteError(w, r, h.logger, "signup", err)
		return
	}
	if !usernameRegex.MatchString(body.Username) {
		httpx.WriteError(w, r, h.logger, "signup", apperr.New(apperr.KindBadRequest, "username format is invalid"))
		return
	}
	if err := validatePassword(body.Password); err != nil {
		httpx.WriteError(w, r, h.logger, "signup", err)
		return
	}

	session, err := h.service.Signup(r.Context(), SignupInput{
		Email:         body.Email,
		Username:      body.Username,
		Secret:        body.Password,
		SecretConfirm: body.PasswordConfirm,
	})
	if err != nil {
		httpx.WriteError(w, r, h.logger, "signup", err)
		return
	}

	h.cookies.WriteSession(w, http.StatusCreated, session)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := httpx.DecodeJSON(w, r, &body); err != nil {
		httpx.WriteError(w, r, h.logger, "login", err)
		return
	}

	session, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		var locked *LoginLockedError
		if errors.As(err, &locked) {
			w.Header().Set("Retry-After", retryAfterSeconds(locked.Until.Sub(h.cookies.now())))
		}
		httpx.WriteError(w, r, h.logger, "login", err)
		return
	}

	h.cookies.WriteSession(w, http.StatusOK, session)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	pair, err := h.service.Refresh(r.Context(), ReadRefreshToken(r))
	if err != nil {
		if errors.Is(err, apperr.Unauthorized) {
			h.cookies.ClearRefreshToken(w)
		}
		httpx.WriteError(w, r, h.logger, "refresh", err)
		return
	}

	httpx.WriteData(w, http.StatusOK, AccessToken{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   h.cookies.secondsUntil(pair.AccessExpiresAt),
	})
}

func (h *Handler) Signout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Signout(r.Context(), AccountID(r.Context())); err != nil {
		httpx.WriteError(w, r, h.logger, "signout", err)
		return
	}

	h.cookies.ClearRefreshToken(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	profile, err := h.service.CurrentAccount(r.Context(), AccountID(r.Context()))
	if err != nil {
		httpx.WriteError(w, r, h.logger, "current_account", err)
		return
	}

	httpx.WriteData(w, http.StatusOK, profile)
}

// WriteSession sets the refresh cookie when the session carries a new
// refresh token and writes the account with its access token.
func (c *CookieManager) WriteSession(w http.ResponseWriter, status int, session Session) {
	if session.Tokens.RefreshToken != "" {
		c.SetRefreshToken(w, session.Tokens.RefreshToken, session.Tokens.RefreshExpiresAt)
	}

	httpx.WriteData(w, status, sessionResponse{
		Account:     session.Account,
		AccessToken: session.Tokens.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   c.secondsUntil(session.Tokens.AccessExpiresAt),
	})
}

func (c *CookieManager) secondsUntil(t time.Time) int64 {
	seconds := int64(t.Sub(c.now()).Seconds())
	if seconds < 0 {
		return 0
	}
	return seconds
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return apperr.New(apperr.KindBadRequest, "email format is invalid")
	}
	return nil
}

func validatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < minPasswordLength || n > maxPasswordLength {
		return apperr.New(apperr.KindBadRequest, "password must be between 8 and 200 characters")
	}
	return nil
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
