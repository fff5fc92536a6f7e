package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// defaultPerPage is the page size used when searching accounts by email.
const defaultPerPage = 200

// maxPages bounds the account search.
const maxPages = 50

// AdminClient implements Resolver over the GoTrue admin REST API using the
// service role key.
type AdminClient struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
	perPage    int
}

// NewAdminClient creates a client for the project at baseURL
// (e.g. https://xyz.supabase.co). A nil httpClient gets a 30s timeout.
func NewAdminClient(baseURL, serviceKey string, httpClient *http.Client) *AdminClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &AdminClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		httpClient: httpClient,
		perPage:    defaultPerPage,
	}
}

type createUserRequest struct {
	Email        string            `json:"email"`
	EmailConfirm bool              `json:"email_confirm"`
	UserMetadata map[string]string `json:"user_metadata,omitempty"`
}

type listUsersResponse struct {
	Users []User `json:"users"`
}

type generateLinkRequest struct {
	Type       string `json:"type"`
	Email      string `json:"email"`
	RedirectTo string `json:"redirect_to,omitempty"`
}

// generateLinkResponse covers both the flat REST shape and the
// client-library shape that nests the link under properties.
type generateLinkResponse struct {
	ActionLink string `json:"action_link"`
	Properties struct {
		ActionLink string `json:"action_link"`
	} `json:"properties"`
}

// apiErrorBody covers the error field names used across API versions.
type apiErrorBody struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ResolveOrCreate creates the account, or finds it when the address is
// already registered.
func (c *AdminClient) ResolveOrCreate(ctx context.Context, email, fullName string) (User, error) {
	req := createUserRequest{Email: email, EmailConfirm: true}
	if fullName != "" {
		req.UserMetadata = map[string]string{"full_name": fullName}
	}

	var user User
	err := c.do(ctx, http.MethodPost, "/auth/v1/admin/users", nil, req, &user)
	if err == nil {
		slog.Debug("identity created", "user_id", user.ID)
		return user, nil
	}
	if !isAlreadyRegistered(err) {
		return User{}, fmt.Errorf("create user: %w", err)
	}

	slog.Debug("identity already registered, searching", "email", email)
	return c.findByEmail(ctx, email)
}

// findByEmail pages through the account list until the address matches.
func (c *AdminClient) findByEmail(ctx context.Context, email string) (User, error) {
	for page := 1; page <= maxPages; page++ {
		query := url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(c.perPage)},
		}

		var resp listUsersResponse
		if err := c.do(ctx, http.MethodGet, "/auth/v1/admin/users", query, nil, &resp); err != nil {
			return User{}, fmt.Errorf("list users: %w", err)
		}

		for _, u := range resp.Users {
			if strings.EqualFold(u.Email, email) {
				return u, nil
			}
		}
		if len(resp.Users) < c.perPage {
			break
		}
	}
	return User{}, ErrUserNotFound
}

// GenerateRecoveryLink asks the API for a recovery link.
func (c *AdminClient) GenerateRecoveryLink(ctx context.Context, email, redirectTo string) (string, error) {
	req := generateLinkRequest{Type: "recovery", Email: email, RedirectTo: redirectTo}

	var resp generateLinkResponse
	if err := c.do(ctx, http.MethodPost, "/auth/v1/admin/generate_link", nil, req, &resp); err != nil {
		return "", fmt.Errorf("generate link: %w", err)
	}

	link := resp.ActionLink
	if link == "" {
		link = resp.Properties.ActionLink
	}
	if link == "" {
		return "", fmt.Errorf("generate link: response has no action_link")
	}
	return link, nil
}

// do performs one authenticated JSON request and decodes a 2xx body into out.
func (c *AdminClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseAPIError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// parseAPIError builds an APIError from whichever error fields are present.
func parseAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var body apiErrorBody
	if err := json.Unmarshal(data, &body); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}

	apiErr.Code = body.ErrorCode
	if code, ok := body.Code.(string); ok && apiErr.Code == "" {
		apiErr.Code = code
	}
	for _, m := range []string{body.Msg, body.Message, body.ErrorDescription, body.Error} {
		if m != "" {
			apiErr.Message = m
			break
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
