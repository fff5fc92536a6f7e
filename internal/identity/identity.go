// Package identity talks to a GoTrue-compatible admin API to find or create
// the account an invitation is for and to mint its recovery link.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUserNotFound is returned when an existing account cannot be located.
var ErrUserNotFound = errors.New("identity: user not found")

// User is the subset of an account the service needs.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Resolver resolves accounts and generates recovery links.
type Resolver interface {
	// ResolveOrCreate returns the account for email, creating it with a
	// confirmed address and the given display name if it does not exist.
	ResolveOrCreate(ctx context.Context, email, fullName string) (User, error)

	// GenerateRecoveryLink returns a one-time link that lets the account set
	// its password and then lands on redirectTo.
	GenerateRecoveryLink(ctx context.Context, email, redirectTo string) (string, error)
}

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("identity API error (HTTP %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("identity API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// AlreadyRegistered reports whether the error says the address is taken.
func (e *APIError) AlreadyRegistered() bool {
	if e.Code == "email_exists" || e.Code == "user_already_exists" {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "already been registered") ||
		strings.Contains(strings.ToLower(e.Message), "already registered")
}

// isAlreadyRegistered reports whether err is an APIError for a taken address.
func isAlreadyRegistered(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.AlreadyRegistered()
}
