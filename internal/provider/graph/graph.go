package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/smtp-submit-lite/internal/email"
)

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string

	// SaveToSentItems keeps a copy in the sender mailbox.
	SaveToSentItems bool
}

const (
	// maxRetries bounds the extra attempts after a retryable failure.
	maxRetries = 3

	// baseRetryDelay doubles on every attempt unless the API sends Retry-After.
	baseRetryDelay = 1 * time.Second

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 64 << 10
)

// GraphProvider sends emails via the Microsoft Graph API using OAuth2
// client credentials authentication. Mail always leaves from the configured
// sender mailbox; the caller's relay credentials are ignored.
type GraphProvider struct {
	sender          string
	saveToSentItems bool
	graphURL        string
	httpClient      *http.Client
	token           *tokenCache
	retryDelay      time.Duration
}

// New creates a provider that sends as cfg.Sender on tenant cfg.TenantID.
func New(cfg GraphProviderConfig) *GraphProvider {
	const (
		loginBase = "https://login.microsoftonline.com/"
		graphBase = "https://graph.microsoft.com/v1.0/users/"
	)
	return newWithOverrides(cfg,
		graphBase+url.PathEscape(cfg.Sender)+"/sendMail",
		loginBase+url.PathEscape(cfg.TenantID)+"/oauth2/v2.0/token",
		&http.Client{Timeout: 30 * time.Second},
	)
}

// newWithOverrides builds a provider against arbitrary endpoints.
func newWithOverrides(cfg GraphProviderConfig, graphURL, tokenURL string, client *http.Client) *GraphProvider {
	return &GraphProvider{
		sender:          cfg.Sender,
		saveToSentItems: cfg.SaveToSentItems,
		graphURL:        graphURL,
		httpClient:      client,
		token:           newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		retryDelay:      baseRetryDelay,
	}
}

// Send posts the message to the sendMail endpoint. 5xx, 429 and network
// failures are retried with backoff; a 401 triggers one token refresh.
func (g *GraphProvider) Send(ctx context.Context, msg *email.Message) error {
	if msg.To == "" {
		return errors.New("graph: missing recipient")
	}
	payload, err := json.Marshal(buildSendMailRequest(msg, g.saveToSentItems))
	if err != nil {
		return fmt.Errorf("graph: encode request: %w", err)
	}

	refreshed := false
	for attempt := 0; ; attempt++ {
		err := g.post(ctx, payload)
		if err == nil {
			slog.Info("message accepted by Graph API", "to", msg.To, "sender", g.sender, "attempts", attempt+1)
			return nil
		}

		var apiErr *apiError
		if !errors.As(err, &apiErr) {
			return err
		}

		if apiErr.status == http.StatusUnauthorized && !refreshed {
			slog.Info("Graph API rejected token, refreshing")
			if _, err := g.token.ForceRefresh(ctx); err != nil {
				return fmt.Errorf("graph: token refresh: %w", err)
			}
			refreshed = true
			attempt--
			continue
		}

		if !apiErr.retryable() {
			return apiErr
		}
		if attempt == maxRetries {
			return fmt.Errorf("graph: giving up after %d attempts: %w", attempt+1, apiErr)
		}

		wait := g.wait(apiErr, attempt)
		slog.Info("Graph API send failed, retrying", "status", apiErr.status, "attempt", attempt+1, "wait", wait)
		if err := sleepWithContext(ctx, wait); err != nil {
			return fmt.Errorf("graph: %w", err)
		}
	}
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return "msgraph"
}

// post makes one sendMail call. API and transport failures come back as
// *apiError; only token failures and context errors do not.
func (g *GraphProvider) post(ctx context.Context, payload []byte) error {
	token, err := g.token.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("graph: %w", ctx.Err())
		}
		return fmt.Errorf("graph: access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("graph: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("graph: %w", ctx.Err())
		}
		return &apiError{message: err.Error()}
	}
	defer resp.Body.Close()

	// sendMail answers 202; 200 is tolerated.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return readAPIError(resp)
}

// apiError is a failed sendMail call. status is zero when no response
// arrived.
type apiError struct {
	status     int
	code       string
	message    string
	retryAfter time.Duration
}

func (e *apiError) Error() string {
	if e.status == 0 {
		return "graph: request failed: " + e.message
	}
	if e.code != "" {
		return fmt.Sprintf("graph: HTTP %d %s: %s", e.status, e.code, e.message)
	}
	return fmt.Sprintf("graph: HTTP %d: %s", e.status, e.message)
}

// retryable reports whether sending again may succeed.
func (e *apiError) retryable() bool {
	return e.status == 0 ||
		e.status == http.StatusTooManyRequests ||
		e.status >= http.StatusInternalServerError
}

func readAPIError(resp *http.Response) *apiError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	e := &apiError{
		status:     resp.StatusCode,
		message:    strings.TrimSpace(string(body)),
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	var ge graphErrorResponse
	if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
		e.code = ge.Error.Code
		e.message = ge.Error.Message
	}
	if e.message == "" {
		e.message = http.StatusText(resp.StatusCode)
	}
	return e
}

// parseRetryAfter reads the delay-seconds form of Retry-After. HTTP dates
// and invalid values yield zero.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// wait is the pause before the next attempt: the server's Retry-After when
// given, otherwise retryDelay doubled per attempt.
func (g *GraphProvider) wait(e *apiError, attempt int) time.Duration {
	if e.retryAfter > 0 {
		return e.retryAfter
	}
	return g.retryDelay << attempt
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
