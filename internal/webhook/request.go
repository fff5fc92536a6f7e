package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shineum/smtp-submit-lite/internal/email"
)

// maxBodyBytes bounds a request body.
const maxBodyBytes = 1 << 20

var (
	errMissingEmail       = errors.New("missing email")
	errMissingOTP         = errors.New("missing email or otp")
	errMissingCredentials = errors.New("missing SMTP credentials")
	errMissingBody        = errors.New("missing email body")
)

// smtpSettings is the nested credential object.
type smtpSettings struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// flexString accepts a JSON string or number, so an OTP can be sent either
// way.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// sendRequest is the union of the fields every route accepts.
type sendRequest struct {
	Email        string        `json:"email"`
	FullName     string        `json:"full_name"`
	Subject      string        `json:"subject"`
	EmailSubject string        `json:"email_subject"`
	HTML         string        `json:"html"`
	EmailHTML    string        `json:"email_html"`
	OTP          flexString    `json:"otp"`
	SMTPSettings *smtpSettings `json:"smtp_settings"`
	SMTPUsername string        `json:"smtp_username"`
	SMTPPassword string        `json:"smtp_password"`
	GenerateLink bool          `json:"generate_link"`
	RedirectTo   string        `json:"redirect_to"`
}

// decodeRequest reads a JSON body of at most maxBodyBytes.
func decodeRequest(w http.ResponseWriter, r *http.Request) (*sendRequest, error) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	var req sendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	req.Email = strings.TrimSpace(req.Email)
	return &req, nil
}

// credentials prefers the nested smtp_settings object over the flat fields,
// field by field.
func (r *sendRequest) credentials() email.Credentials {
	var c email.Credentials
	if r.SMTPSettings != nil {
		c = email.Credentials{Username: r.SMTPSettings.Username, Password: r.SMTPSettings.Password}
	}
	if c.Username == "" {
		c.Username = r.SMTPUsername
	}
	if c.Password == "" {
		c.Password = r.SMTPPassword
	}
	return c
}

// firstNonEmpty returns the first non-empty value.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
