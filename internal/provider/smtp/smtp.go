// Package smtp adapts the hand-driven SMTP session in smtpclient to the
// Provider interface.
package smtp

import (
	"context"

	"github.com/shineum/crm-mail/internal/email"
	"github.com/shineum/crm-mail/internal/smtpclient"
)

// Sender is satisfied by *smtpclient.Driver.
type Sender interface {
	Send(ctx context.Context, cfg smtpclient.ConnectionConfig, env *email.Envelope) smtpclient.SendResult
}

// Provider submits every envelope over a fresh connection built from the
// same ConnectionConfig. A failed send is never retried here.
type Provider struct {
	conn   smtpclient.ConnectionConfig
	sender Sender
	from   string
}

// New returns a Provider. from fills in envelopes that have no sender.
func New(conn smtpclient.ConnectionConfig, from string, sender Sender) *Provider {
	if sender == nil {
		sender = smtpclient.New()
	}
	return &Provider{conn: conn, sender: sender, from: from}
}

func (p *Provider) Name() string {
	return "smtp"
}

// Send returns the generated Message-ID, or a *smtpclient.Error.
func (p *Provider) Send(ctx context.Context, env *email.Envelope) (string, error) {
	if env.From == "" && p.from != "" {
		withFrom := *env
		withFrom.From = p.from
		env = &withFrom
	}

	result := p.sender.Send(ctx, p.conn, env)
	if err := result.Err(); err != nil {
		return "", err
	}
	return result.MessageID, nil
}
