// Package resend implements a Provider backed by the Resend HTTP API.
package resend

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"

	"github.com/shineum/crm-mail/internal/email"
)

// EmailsAPI is the slice of the Resend SDK the provider calls.
type EmailsAPI interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// Provider sends envelopes through Resend.
type Provider struct {
	emails EmailsAPI
	from   string
}

// New creates a Resend client for apiKey. from is used for envelopes
// without a sender.
func New(apiKey, from string) *Provider {
	return NewWithClient(resend.NewClient(apiKey).Emails, from)
}

// NewWithClient returns a Provider around an existing emails service.
func NewWithClient(emails EmailsAPI, from string) *Provider {
	return &Provider{emails: emails, from: from}
}

func (p *Provider) Name() string {
	return "resend"
}

func (p *Provider) Send(ctx context.Context, env *email.Envelope) (string, error) {
	req := &resend.SendEmailRequest{
		From:    env.From,
		To:      env.To,
		Cc:      env.Cc,
		Bcc:     env.Bcc,
		Subject: env.Subject,
		Text:    env.Text,
		Html:    env.HTML,
	}
	if req.From == "" {
		req.From = p.from
	}
	if h := env.Priority.Header(); h != "" {
		req.Headers = map[string]string{"X-Priority": h}
	}

	sent, err := p.emails.SendWithContext(ctx, req)
	if err != nil {
		return "", fmt.Errorf("resend: %w", err)
	}
	return sent.Id, nil
}
