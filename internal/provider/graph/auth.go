package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenExpiryBuffer is subtracted from the advertised token lifetime so a
// token is never presented in the last minutes of its validity.
const tokenExpiryBuffer = 5 * time.Minute

// graphScope requests every application permission granted to the client.
const graphScope = "https://graph.microsoft.com/.default"

// clientCredentials identifies the OAuth2 client-credentials grant.
type clientCredentials struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
}

func (c clientCredentials) form() url.Values {
	return url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"scope":         {c.scope},
	}
}

// tokenCache holds one access token for the client and fetches a new one
// when it is missing or stale. Safe for concurrent use; concurrent callers
// share a single fetch.
type tokenCache struct {
	creds      clientCredentials
	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenCache {
	return &tokenCache{
		creds: clientCredentials{
			tokenURL:     tokenURL,
			clientID:     clientID,
			clientSecret: clientSecret,
			scope:        graphScope,
		},
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Token returns the cached token, fetching a new one if it has expired.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.token != "" && tc.now().Before(tc.expiresAt) {
		return tc.token, nil
	}
	return tc.fetch(ctx)
}

// ForceRefresh drops the cached token and fetches a new one. Used after the
// API rejects a token with 401.
func (tc *tokenCache) ForceRefresh(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.token = ""
	tc.expiresAt = time.Time{}
	return tc.fetch(ctx)
}

// oauthError is the error body of the token endpoint.
type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// fetch runs the client-credentials grant. tc.mu must be held.
func (tc *tokenCache) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.creds.tokenURL, strings.NewReader(tc.creds.form().Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := tc.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oe oauthError
		if json.Unmarshal(body, &oe) == nil && oe.Code != "" {
			if oe.Description != "" {
				return "", fmt.Errorf("token endpoint returned %d: %s: %s", resp.StatusCode, oe.Code, oe.Description)
			}
			return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, oe.Code)
		}
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	// A token that would already count as stale is used once and not cached.
	lifetime := time.Duration(tr.ExpiresIn)*time.Second - tokenExpiryBuffer
	if lifetime > 0 {
		tc.token = tr.AccessToken
		tc.expiresAt = tc.now().Add(lifetime)
	} else {
		tc.token = ""
		tc.expiresAt = time.Time{}
	}
	return tr.AccessToken, nil
}
