// Package credentials obtains and revokes calendar access tokens.
//
// Consent mode exchanges an authorization code granted through the provider's
// consent screen and keeps the resulting refresh token as the user's grant.
// Silent mode renews an access token from that grant without user interaction.
// Access tokens are returned to the caller and never stored.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DefaultRevokeURL is Google's token revocation endpoint.
const DefaultRevokeURL = "https://oauth2.googleapis.com/revoke"

var (
	// ErrMissingCredentialConfig is returned before Initialize succeeded.
	ErrMissingCredentialConfig = errors.New("missing oauth client configuration")
	// ErrConsentRequired is returned by silent requests for users without a grant.
	ErrConsentRequired = errors.New("calendar access not granted; consent required")
	// ErrGrantNotFound is returned by grant stores for unknown users.
	ErrGrantNotFound = errors.New("grant not found")
)

// Mode selects how a token is obtained.
type Mode int

const (
	// ModeSilent renews from the stored grant.
	ModeSilent Mode = iota
	// ModeConsent exchanges a fresh authorization code.
	ModeConsent
)

func (m Mode) String() string {
	if m == ModeConsent {
		return "consent"
	}
	return "silent"
}

// TokenError reports that the identity provider refused or returned no token.
type TokenError struct {
	Mode Mode
	Err  error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("%s token request failed: %v", e.Mode, e.Err)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

// GrantStore persists refresh tokens per user.
type GrantStore interface {
	Grant(ctx context.Context, userID string) (string, error)
	SaveGrant(ctx context.Context, userID, refreshToken string) error
	DeleteGrant(ctx context.Context, userID string) error
}

// Config identifies the OAuth client.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scope        string
	AuthURL      string
	TokenURL     string
	RevokeURL    string
}

// Option configures optional behaviour for the Manager.
type Option func(*Manager)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithHTTPClient sets the client used for token and revocation calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = hc
	}
}

// Manager is the credential manager shared by every user of the process.
type Manager struct {
	mu         sync.RWMutex
	oauth      *oauth2.Config
	revokeURL  string
	grants     GrantStore
	httpClient *http.Client
	logger     *log.Logger
}

// NewManager constructs an uninitialised Manager.
func NewManager(grants GrantStore, opts ...Option) *Manager {
	m := &Manager{
		grants:     grants,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     log.New(log.Writer(), "[credentials] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize configures the OAuth client. Repeated calls reuse the client that is
// already configured.
func (m *Manager) Initialize(cfg Config) error {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.Scope) == "" {
		return ErrMissingCredentialConfig
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.oauth != nil {
		return nil
	}

	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	m.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       strings.Fields(cfg.Scope),
		Endpoint:     endpoint,
	}
	m.revokeURL = cfg.RevokeURL
	if m.revokeURL == "" {
		m.revokeURL = DefaultRevokeURL
	}
	return nil
}

// ConsentURL returns the provider consent page the user must visit to connect.
func (m *Manager) ConsentURL(state string) (string, error) {
	cfg, err := m.config()
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")), nil
}

// RequestAccessToken returns a short-lived access token. code is only read in
// consent mode.
func (m *Manager) RequestAccessToken(ctx context.Context, userID string, mode Mode, code string) (string, error) {
	cfg, err := m.config()
	if err != nil {
		return "", err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	var tok *oauth2.Token
	switch mode {
	case ModeConsent:
		if strings.TrimSpace(code) == "" {
			return "", &TokenError{Mode: mode, Err: errors.New("missing authorization code")}
		}
		tok, err = cfg.Exchange(ctx, code)
		if err != nil {
			return "", &TokenError{Mode: mode, Err: err}
		}
	default:
		refresh, grantErr := m.grants.Grant(ctx, userID)
		if errors.Is(grantErr, ErrGrantNotFound) {
			return "", &TokenError{Mode: mode, Err: ErrConsentRequired}
		}
		if grantErr != nil {
			return "", grantErr
		}
		tok, err = cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
		if err != nil {
			return "", &TokenError{Mode: mode, Err: err}
		}
		if tok.RefreshToken == refresh {
			tok.RefreshToken = ""
		}
	}

	if tok.AccessToken == "" {
		return "", &TokenError{Mode: mode, Err: errors.New("provider returned no access token")}
	}
	if tok.RefreshToken != "" {
		if err := m.grants.SaveGrant(ctx, userID, tok.RefreshToken); err != nil {
			return "", fmt.Errorf("save grant: %w", err)
		}
	}
	return tok.AccessToken, nil
}

// RevokeAccess invalidates the grant behind token at the provider.
func (m *Manager) RevokeAccess(ctx context.Context, token string) error {
	if _, err := m.config(); err != nil {
		return err
	}
	if strings.TrimSpace(token) == "" {
		return errors.New("missing token to revoke")
	}

	m.mu.RLock()
	revokeURL := m.revokeURL
	m.mu.RUnlock()

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("revoke failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Forget drops the stored grant for a user.
func (m *Manager) Forget(ctx context.Context, userID string) error {
	if err := m.grants.DeleteGrant(ctx, userID); err != nil && !errors.Is(err, ErrGrantNotFound) {
		return err
	}
	return nil
}

func (m *Manager) config() (*oauth2.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.oauth == nil {
		return nil, ErrMissingCredentialConfig
	}
	return m.oauth, nil
}
