// Package main is the entry point for the transactional email webhook.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shineum/smtp-submit-lite/internal/config"
	"github.com/shineum/smtp-submit-lite/internal/identity"
	"github.com/shineum/smtp-submit-lite/internal/provider"
	"github.com/shineum/smtp-submit-lite/internal/provider/graph"
	"github.com/shineum/smtp-submit-lite/internal/provider/relay"
	"github.com/shineum/smtp-submit-lite/internal/provider/ses"
	"github.com/shineum/smtp-submit-lite/internal/provider/stdout"
	"github.com/shineum/smtp-submit-lite/internal/smtp"
	smtptls "github.com/shineum/smtp-submit-lite/internal/tls"
	"github.com/shineum/smtp-submit-lite/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Select email delivery provider
	prov := selectProvider(cfg)

	var resolver identity.Resolver
	if cfg.IdentityConfigured() {
		resolver = identity.NewAdminClient(cfg.Identity.URL, cfg.Identity.ServiceRoleKey, nil)
	}

	handler := webhook.New(prov, resolver, webhook.Config{
		AllowOrigin:        cfg.HTTP.AllowOrigin,
		BrandName:          cfg.Brand.Name,
		DefaultRedirect:    cfg.Identity.DefaultRedirect,
		From:               cfg.Relay.From,
		RequireCredentials: prov.Name() == "relay",
	}, slog.Default())

	server := newHTTPServer(cfg.HTTP.Listen, handler.Routes())

	slog.Info("starting smtp-submit-lite",
		"listen", cfg.HTTP.Listen,
		"provider", prov.Name(),
		"identity_enabled", resolver != nil,
		"brand", cfg.Brand.Name,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("smtp-submit-lite stopped")
}

// newHTTPServer builds the webhook listener. WriteTimeout is left at zero;
// relay sessions bound themselves with per-operation deadlines.
func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectProvider chooses the email delivery backend based on configuration.
// The relay is the default; "auto" picks Graph, then SES, then stdout.
func selectProvider(cfg *config.Config) provider.Provider {
	switch cfg.Provider {
	case "", "relay":
		tlsConfig, err := smtptls.ClientConfig(cfg.Relay.Host, cfg.Relay.CAFile, cfg.Relay.InsecureSkipVerify)
		if err != nil {
			slog.Error("failed to setup relay TLS", "error", err)
			os.Exit(1)
		}
		if cfg.Relay.InsecureSkipVerify {
			slog.Warn("relay certificate verification disabled")
		}
		slog.Info("using SMTP relay provider",
			"host", cfg.Relay.Host,
			"port", cfg.Relay.Port,
			"strict_envelope", cfg.Relay.StrictEnvelope,
		)
		return relay.New(smtp.RelayConfig{
			Host:           cfg.Relay.Host,
			Port:           cfg.Relay.Port,
			LocalName:      cfg.Relay.LocalName,
			TLSConfig:      tlsConfig,
			ConnectTimeout: cfg.Relay.ConnectTimeout,
			CommandTimeout: cfg.Relay.CommandTimeout,
			StrictEnvelope: cfg.Relay.StrictEnvelope,
		}, cfg.Relay.FromName, slog.Default())

	case "ses":
		if !cfg.SESConfigured() {
			slog.Error("SES provider selected but SES_REGION and SES_SENDER are required")
			os.Exit(1)
		}
		return newSES(cfg)

	case "graph":
		if !cfg.GraphConfigured() {
			slog.Error("Graph provider selected but GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, and GRAPH_SENDER are required")
			os.Exit(1)
		}
		return newGraph(cfg)

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New()

	case "auto":
		if cfg.GraphConfigured() {
			return newGraph(cfg)
		}
		if cfg.SESConfigured() {
			return newSES(cfg)
		}
		slog.Info("no API provider configured, using stdout provider")
		return stdout.New()

	default:
		slog.Error("unknown provider", "provider", cfg.Provider)
		os.Exit(1)
		return nil
	}
}

func newGraph(cfg *config.Config) provider.Provider {
	slog.Info("using Microsoft Graph provider",
		"sender", cfg.Graph.Sender,
	)
	return graph.New(graph.GraphProviderConfig{
		TenantID:        cfg.Graph.TenantID,
		ClientID:        cfg.Graph.ClientID,
		ClientSecret:    cfg.Graph.ClientSecret,
		Sender:          cfg.Graph.Sender,
		SaveToSentItems: cfg.Graph.SaveToSentItems,
	})
}

func newSES(cfg *config.Config) provider.Provider {
	slog.Info("using AWS SES provider",
		"region", cfg.SES.Region,
		"sender", cfg.SES.Sender,
	)
	p, err := ses.New(context.Background(), ses.SESProviderConfig{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		Sender:          cfg.SES.Sender,
		SenderName:      cfg.Brand.Name,
	})
	if err != nil {
		slog.Error("failed to create SES provider", "error", err)
		os.Exit(1)
	}
	return p
}
