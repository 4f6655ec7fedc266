// Package oauth signs users in with Google and links the Google identity to
// local accounts.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"credential-vault/internal/apperr"
)

const (
	GoogleUserInfoURL    = "https://www.googleapis.com/oauth2/v2/userinfo"
	defaultGoogleTimeout = 10 * time.Second
	maxUserInfoBodyBytes = 1 << 20
	scopeUserInfoProfile = "https://www.googleapis.com/auth/userinfo.profile"
	scopeUserInfoEmail   = "https://www.googleapis.com/auth/userinfo.email"
)

var errNotConfigured = apperr.New(apperr.KindInternal, "google oauth is not configured")

// Profile is the subset of the Google userinfo response used for sign-in.
type Profile struct {
	SubjectID     string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
}

type Provider interface {
	AuthCodeURL() (string, error)
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	FetchProfile(ctx context.Context, accessToken string) (Profile, error)
}

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Timeout      time.Duration

	// Endpoint and UserInfoURL default to Google's.
	Endpoint    oauth2.Endpoint
	UserInfoURL string
}

type GoogleProvider struct {
	config      *oauth2.Config
	client      *http.Client
	userInfoURL string
}

func NewGoogleProvider(cfg GoogleConfig) *GoogleProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultGoogleTimeout
	}
	if cfg.Endpoint.AuthURL == "" && cfg.Endpoint.TokenURL == "" {
		cfg.Endpoint = google.Endpoint
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = GoogleUserInfoURL
	}

	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{scopeUserInfoProfile, scopeUserInfoEmail},
			Endpoint:     cfg.Endpoint,
		},
		client:      &http.Client{Timeout: cfg.Timeout},
		userInfoURL: cfg.UserInfoURL,
	}
}

func (p *GoogleProvider) configured() bool {
	return p.config.ClientID != "" && p.config.RedirectURL != ""
}

// AuthCodeURL returns the consent page URL. Offline access and a forced
// consent prompt make Google return a refresh token on every grant.
func (p *GoogleProvider) AuthCodeURL() (string, error) {
	if !p.configured() {
		return "", errNotConfigured
	}
	return p.config.AuthCodeURL("", oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")), nil
}

func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if !p.configured() || p.config.ClientSecret == "" {
		return nil, errNotConfigured
	}

	tok, err := p.config.Exchange(p.withClient(ctx), code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			return nil, apperr.Wrap(apperr.KindBadRequest, "authorization code is invalid or expired", err)
		}
		return nil, apperr.Wrap(apperr.KindInternal, "google token exchange failed", err)
	}
	return tok, nil
}

func (p *GoogleProvider) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return Profile{}, apperr.AsInternal("google profile request failed", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return Profile{}, apperr.Wrap(apperr.KindInternal, "google profile request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Profile{}, apperr.Wrap(apperr.KindInternal, "google profile request failed",
			fmt.Errorf("userinfo returned status %d", resp.StatusCode))
	}

	var profile Profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoBodyBytes)).Decode(&profile); err != nil {
		return Profile{}, apperr.Wrap(apperr.KindInternal, "google profile could not be decoded", err)
	}
	return profile, nil
}

func (p *GoogleProvider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}
