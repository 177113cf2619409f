// Package oauth2 refreshes provider-backed account credentials. Accounts
// store a long-lived refresh token; the owning worker exchanges it for
// short-lived access tokens before opening a session.
package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GrantType represents OAuth2 grant types.
type GrantType string

const (
	GrantTypeRefreshToken GrantType = "refresh_token"
)

// TokenResponse is the provider's token-endpoint reply.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ErrorResponse is the provider's error reply.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Provider is one configured upstream (gmail, outlook, a custom endpoint).
type Provider struct {
	ID           string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// RefreshError distinguishes a rejected refresh token (the operator must
// relink the account) from a transient transport problem.
type RefreshError struct {
	Provider  string
	Code      string
	Message   string
	Permanent bool
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("oauth2 %s: %s %s", e.Provider, e.Code, e.Message)
}

// Manager resolves providers and performs refreshes.
type Manager struct {
	providers map[string]Provider
	client    *http.Client
}

// NewManager creates a manager over the configured providers. Well-known
// token endpoints fill in when the config leaves them empty.
func NewManager(providers map[string]Provider) *Manager {
	known := map[string]string{
		"gmail":   "https://oauth2.googleapis.com/token",
		"outlook": "https://login.microsoftonline.com/common/oauth2/v2.0/token",
	}
	resolved := make(map[string]Provider, len(providers))
	for id, p := range providers {
		p.ID = id
		if p.TokenURL == "" {
			p.TokenURL = known[id]
		}
		resolved[id] = p
	}
	return &Manager{
		providers: resolved,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Refresh exchanges the refresh token for a fresh access token.
func (m *Manager) Refresh(ctx context.Context, providerID, refreshToken string) (string, time.Time, error) {
	provider, ok := m.providers[providerID]
	if !ok || provider.TokenURL == "" {
		return "", time.Time{}, &RefreshError{
			Provider: providerID, Code: "unknown_provider",
			Message: "provider is not configured", Permanent: true,
		}
	}

	form := url.Values{
		"grant_type":    {string(GrantTypeRefreshToken)},
		"refresh_token": {refreshToken},
		"client_id":     {provider.ClientID},
	}
	if provider.ClientSecret != "" {
		form.Set("client_secret", provider.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		_ = json.Unmarshal(body, &errResp)
		if errResp.Error == "" {
			errResp.Error = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		// 4xx means the grant itself was rejected; retrying cannot help.
		return "", time.Time{}, &RefreshError{
			Provider:  providerID,
			Code:      errResp.Error,
			Message:   errResp.ErrorDescription,
			Permanent: resp.StatusCode >= 400 && resp.StatusCode < 500,
		}
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return "", time.Time{}, fmt.Errorf("parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", time.Time{}, &RefreshError{
			Provider: providerID, Code: "invalid_response",
			Message: "no access token in response", Permanent: false,
		}
	}
	expires := time.Now().UTC().Add(time.Duration(token.ExpiresIn) * time.Second)
	return token.AccessToken, expires, nil
}

// WithHTTPClient overrides the HTTP client, primarily for tests.
func (m *Manager) WithHTTPClient(client *http.Client) *Manager {
	if client != nil {
		m.client = client
	}
	return m
}
