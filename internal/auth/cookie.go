package auth

import (
	"net/http"
	"strings"
	"time"
)

const (
	RefreshCookieName = "refresh_token"
	refreshCookiePath = "/auth"
)

// CookieManager owns the refresh-token cookie. The refresh token travels
// only in this cookie, never in a response body.
type CookieManager struct {
	Secure bool
	now    func() time.Time
}

func NewCookieManager(secure bool) *CookieManager {
	return &CookieManager{Secure: secure, now: time.Now}
}

func (c *CookieManager) SetRefreshToken(w http.ResponseWriter, value string, expiresAt time.Time) {
	maxAge := int(expiresAt.Sub(c.now()).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}

	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    value,
		Path:     refreshCookiePath,
		MaxAge:   maxAge,
		Expires:  expiresAt.UTC(),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (c *CookieManager) ClearRefreshToken(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func ReadRefreshToken(r *http.Request) string {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}
