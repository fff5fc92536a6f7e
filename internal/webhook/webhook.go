// Package webhook exposes the transactional email operations over HTTP:
// plain sends, one-time-code mails and employee invitations. Every response
// is JSON with permissive CORS headers; failures answer 400.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shineum/smtp-submit-lite/internal/email"
	"github.com/shineum/smtp-submit-lite/internal/identity"
	"github.com/shineum/smtp-submit-lite/internal/provider"
)

// allowHeaders lists the request headers browsers may send cross-origin.
const allowHeaders = "authorization, x-client-info, apikey, content-type"

// Config holds the webhook settings.
type Config struct {
	// AllowOrigin is sent as Access-Control-Allow-Origin. Defaults to "*".
	AllowOrigin string

	// BrandName appears in sender display names, OTP mails and subjects.
	BrandName string

	// DefaultRedirect is where invitation links land when the request does
	// not name a redirect_to.
	DefaultRedirect string

	// From is the sender address for every message. When empty the relay
	// username is used, which only works for relays whose login is a mailbox.
	From string

	// RequireCredentials rejects requests without an SMTP login. It is set
	// for the relay provider, which authenticates with that login.
	RequireCredentials bool
}

// Handler serves the webhook routes.
type Handler struct {
	provider provider.Provider
	resolver identity.Resolver
	cfg      Config
	logger   *slog.Logger
}

// New creates a Handler. resolver may be nil, in which case invitations
// fall back to the redirect URL instead of a generated link.
func New(p provider.Provider, resolver identity.Resolver, cfg Config, logger *slog.Logger) *Handler {
	if cfg.AllowOrigin == "" {
		cfg.AllowOrigin = "*"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		provider: p,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
	}
}

// Routes returns the HTTP handler with CORS applied to every response.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("OPTIONS /", h.handlePreflight)
	mux.HandleFunc("POST /send-email", h.handleSendEmail)
	mux.HandleFunc("POST /send-email-otp", h.handleSendOTP)
	mux.HandleFunc("POST /invite-employee", h.handleInvite)
	return h.cors(mux)
}

func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", h.cfg.AllowOrigin)
		w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

func (h *Handler) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	tr := h.newTrace(w, r)

	req, err := decodeRequest(w, r)
	if err != nil {
		h.fail(w, tr, err)
		return
	}
	if req.Email == "" {
		h.fail(w, tr, errMissingEmail)
		return
	}

	msg, err := h.message(req, firstNonEmpty(req.Subject, req.EmailSubject, "Verification Code"), firstNonEmpty(req.HTML, req.EmailHTML))
	if err != nil {
		h.fail(w, tr, err)
		return
	}
	msg.ToName = req.FullName
	if req.RedirectTo != "" {
		msg.HTMLBody = email.SubstituteActionURL(msg.HTMLBody, req.RedirectTo)
	}

	if err := h.deliver(r.Context(), tr, msg); err != nil {
		h.fail(w, tr, err)
		return
	}
	h.succeed(w, tr, "Success", nil)
}

func (h *Handler) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	tr := h.newTrace(w, r)

	req, err := decodeRequest(w, r)
	if err != nil {
		h.fail(w, tr, err)
		return
	}
	if req.Email == "" || req.OTP == "" {
		h.fail(w, tr, errMissingOTP)
		return
	}

	body, err := renderOTP(h.cfg.BrandName, string(req.OTP))
	if err != nil {
		h.fail(w, tr, fmt.Errorf("render OTP template: %w", err))
		return
	}

	msg, err := h.message(req, otpSubject(h.cfg.BrandName), body)
	if err != nil {
		h.fail(w, tr, err)
		return
	}

	if err := h.deliver(r.Context(), tr, msg); err != nil {
		h.fail(w, tr, err)
		return
	}
	h.succeed(w, tr, "Success", nil)
}

func (h *Handler) handleInvite(w http.ResponseWriter, r *http.Request) {
	tr := h.newTrace(w, r)

	req, err := decodeRequest(w, r)
	if err != nil {
		h.fail(w, tr, err)
		return
	}
	if req.Email == "" {
		h.fail(w, tr, errMissingEmail)
		return
	}

	html := firstNonEmpty(req.EmailHTML, req.HTML)
	msg, err := h.message(req, firstNonEmpty(req.EmailSubject, req.Subject, inviteSubject(h.cfg.BrandName)), html)
	if err != nil {
		h.fail(w, tr, err)
		return
	}
	msg.ToName = req.FullName

	actionURL := "#"
	var userID *string
	if req.GenerateLink {
		var id string
		actionURL, id = h.actionURL(r.Context(), tr, req)
		if id != "" {
			userID = &id
		}
	}
	msg.HTMLBody = email.SubstituteActionURL(msg.HTMLBody, actionURL)

	if err := h.deliver(r.Context(), tr, msg); err != nil {
		h.fail(w, tr, err)
		return
	}
	h.succeed(w, tr, "Email sent successfully", userID)
}

// actionURL resolves the invited account and returns its recovery link
// together with the account id. Identity failures never fail the request:
// the link falls back to the redirect URL.
func (h *Handler) actionURL(ctx context.Context, tr *trace, req *sendRequest) (string, string) {
	redirect := firstNonEmpty(req.RedirectTo, h.cfg.DefaultRedirect)
	if h.resolver == nil {
		tr.log("identity provider not configured, using redirect URL")
		return redirect, ""
	}

	tr.log("resolving identity", "email", req.Email)
	var userID string
	user, err := h.resolver.ResolveOrCreate(ctx, req.Email, req.FullName)
	if err != nil {
		tr.log("identity not resolved", "error", err)
	} else {
		userID = user.ID
		tr.log("identity resolved", "user_id", userID)
	}

	link, err := h.resolver.GenerateRecoveryLink(ctx, req.Email, redirect)
	if err != nil {
		tr.log("link generation failed, using redirect URL", "error", err)
		return redirect, userID
	}
	tr.log("link generated")
	return link, userID
}

// message builds the outgoing message shared by all routes.
func (h *Handler) message(req *sendRequest, subject, html string) (*email.Message, error) {
	creds := req.credentials()
	if h.cfg.RequireCredentials && (creds.Username == "" || creds.Password == "") {
		return nil, errMissingCredentials
	}
	if html == "" {
		return nil, errMissingBody
	}
	return &email.Message{
		Envelope: email.Envelope{
			From:     firstNonEmpty(h.cfg.From, creds.Username),
			FromName: h.cfg.BrandName,
			To:       req.Email,
			Subject:  subject,
			HTMLBody: html,
		},
		Credentials: creds,
	}, nil
}

func (h *Handler) deliver(ctx context.Context, tr *trace, msg *email.Message) error {
	tr.log("sending email", "to", msg.To, "provider", h.provider.Name(), "credentials", msg.Credentials)
	if err := h.provider.Send(ctx, msg); err != nil {
		return err
	}
	tr.log("email sent")
	return nil
}

type successResponse struct {
	Message   string   `json:"message"`
	UserID    *string  `json:"user_id,omitempty"`
	RequestID string   `json:"request_id"`
	DebugLogs []string `json:"debug_logs"`
}

type errorResponse struct {
	Error     string   `json:"error"`
	RequestID string   `json:"request_id"`
	DebugLogs []string `json:"debug_logs"`
}

func (h *Handler) succeed(w http.ResponseWriter, tr *trace, message string, userID *string) {
	writeJSON(w, http.StatusOK, successResponse{
		Message:   message,
		UserID:    userID,
		RequestID: tr.id,
		DebugLogs: tr.lines,
	})
}

func (h *Handler) fail(w http.ResponseWriter, tr *trace, err error) {
	tr.logger.Warn("request failed", "error", err)
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:     "Email Failed: " + err.Error(),
		RequestID: tr.id,
		DebugLogs: tr.lines,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// trace collects the per-request progress lines returned as debug_logs and
// mirrors them to the structured log.
type trace struct {
	id     string
	logger *slog.Logger
	lines  []string
}

func (h *Handler) newTrace(w http.ResponseWriter, r *http.Request) *trace {
	id := ulid.Make().String()
	w.Header().Set("X-Request-Id", id)
	return &trace{
		id:     id,
		logger: h.logger.With("request_id", id, "path", r.URL.Path),
		lines:  []string{},
	}
}

// log records msg with its key/value args. Group values, such as
// credentials, are left out of the debug line.
func (t *trace) log(msg string, args ...any) {
	t.logger.Info(msg, args...)

	line := msg
	r := slog.NewRecord(time.Time{}, slog.LevelInfo, msg, 0)
	r.Add(args...)
	r.Attrs(func(a slog.Attr) bool {
		v := a.Value.Resolve()
		if v.Kind() != slog.KindGroup {
			line += " " + a.Key + "=" + v.String()
		}
		return true
	})
	t.lines = append(t.lines, line)
}
