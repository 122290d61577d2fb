package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/shineum/crm-mail/internal/config"
	"github.com/shineum/crm-mail/internal/inbox"
	"github.com/shineum/crm-mail/internal/provider"
	"github.com/shineum/crm-mail/internal/provider/graph"
	"github.com/shineum/crm-mail/internal/provider/resend"
	"github.com/shineum/crm-mail/internal/provider/ses"
	smtpprovider "github.com/shineum/crm-mail/internal/provider/smtp"
	"github.com/shineum/crm-mail/internal/provider/stdout"
	"github.com/shineum/crm-mail/internal/smtpclient"
	"github.com/shineum/crm-mail/internal/store"
	certs "github.com/shineum/crm-mail/internal/tls"
)

// smtpConnection turns the smtp section into a driver connection config.
func smtpConnection(cfg *config.Config) (smtpclient.ConnectionConfig, error) {
	security, err := smtpclient.ParseSecurity(cfg.SMTP.Security)
	if err != nil {
		return smtpclient.ConnectionConfig{}, err
	}
	tlsConfig, err := certs.ClientConfig(cfg.SMTP.CAFile)
	if err != nil {
		return smtpclient.ConnectionConfig{}, err
	}
	return smtpclient.ConnectionConfig{
		Host:      cfg.SMTP.Host,
		Port:      cfg.SMTP.Port,
		Security:  security,
		Username:  cfg.SMTP.Username,
		Password:  cfg.SMTP.Password,
		LocalName: cfg.SMTP.LocalName,
		TLSConfig: tlsConfig,
	}, nil
}

// defaultFrom is the sender used when a request names none.
func defaultFrom(cfg *config.Config) string {
	switch cfg.Provider {
	case "ses":
		return cfg.SES.Sender
	case "resend":
		return cfg.Resend.From
	case "msgraph":
		return cfg.Graph.Sender
	}
	if cfg.SMTP.From != "" {
		return cfg.SMTP.From
	}
	return cfg.SMTP.Username
}

// selectProvider builds the configured delivery backend, wrapped in a
// tracing span. out receives the stdout provider's output.
func selectProvider(ctx context.Context, cfg *config.Config, out io.Writer) (provider.Provider, error) {
	var p provider.Provider

	switch cfg.Provider {
	case "smtp":
		if !cfg.SMTPConfigured() {
			return nil, fmt.Errorf("%w: smtp requires SMTP_HOST, and SMTP_USER and SMTP_PASSWORD set together", provider.ErrNotConfigured)
		}
		conn, err := smtpConnection(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("using SMTP provider", "host", conn.Address(), "security", cfg.SMTP.Security)
		p = smtpprovider.New(conn, defaultFrom(cfg), smtpclient.New())

	case "ses":
		if !cfg.SESConfigured() {
			return nil, fmt.Errorf("%w: ses requires SES_REGION and SES_SENDER", provider.ErrNotConfigured)
		}
		slog.Info("using AWS SES provider", "region", cfg.SES.Region, "sender", cfg.SES.Sender)
		sp, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		p = sp

	case "resend":
		if !cfg.ResendConfigured() {
			return nil, fmt.Errorf("%w: resend requires RESEND_API_KEY and RESEND_FROM", provider.ErrNotConfigured)
		}
		slog.Info("using Resend provider", "from", cfg.Resend.From)
		p = resend.New(cfg.Resend.APIKey, cfg.Resend.From)

	case "msgraph":
		if !cfg.GraphConfigured() {
			return nil, fmt.Errorf("%w: msgraph requires GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER", provider.ErrNotConfigured)
		}
		slog.Info("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
		p = graph.New(graph.Config{
			TenantID:      cfg.Graph.TenantID,
			ClientID:      cfg.Graph.ClientID,
			ClientSecret:  cfg.Graph.ClientSecret,
			Sender:        cfg.Graph.Sender,
			Endpoint:      cfg.Graph.Endpoint,
			LoginEndpoint: cfg.Graph.LoginEndpoint,
		})

	case "stdout":
		slog.Info("using stdout provider")
		p = stdout.NewWithWriter(out)

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	return provider.Traced(p), nil
}

// inboxReader returns nil when IMAP is not configured.
func inboxReader(cfg *config.Config) (*inbox.Reader, error) {
	if !cfg.IMAPConfigured() {
		return nil, nil
	}
	tlsConfig, err := certs.ClientConfig(cfg.IMAP.CAFile)
	if err != nil {
		return nil, err
	}
	return inbox.New(inbox.Config{
		Host:      cfg.IMAP.Host,
		Port:      cfg.IMAP.Port,
		Security:  inbox.Security(cfg.IMAP.Security),
		Username:  cfg.IMAP.Username,
		Password:  cfg.IMAP.Password,
		TLSConfig: tlsConfig,
	}, slog.Default()), nil
}

// openStore opens the database and applies pending migrations.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	applied, err := st.Migrate(ctx)
	if err != nil {
		st.Close()
		return nil, err
	}
	if len(applied) > 0 {
		slog.Info("applied migrations", "versions", applied)
	}
	return st, nil
}
