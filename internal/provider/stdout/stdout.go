// Package stdout implements a Provider that prints envelopes instead of
// delivering them. It is meant for local development.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/crm-mail/internal/email"
	"github.com/shineum/crm-mail/internal/smtpclient"
)

const separator = "========================================\n"

// Provider writes a readable summary of each envelope to its writer.
type Provider struct {
	writer    io.Writer
	localName string
}

// New returns a Provider writing to os.Stdout.
func New() *Provider {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter returns a Provider writing to w.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w, localName: "stdout.local"}
}

// Send prints env and returns a freshly generated message id.
func (p *Provider) Send(_ context.Context, env *email.Envelope) (string, error) {
	id := smtpclient.NewMessageID(p.localName)

	var b strings.Builder
	b.WriteString(separator)
	fmt.Fprintf(&b, "Message-ID: %s\n", id)
	fmt.Fprintf(&b, "From: %s\n", env.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(env.To, ", "))
	if len(env.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(env.Cc, ", "))
	}
	if len(env.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", strings.Join(env.Bcc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", env.Subject)
	if h := env.Priority.Header(); h != "" {
		fmt.Fprintf(&b, "Priority: %s\n", env.Priority)
	}

	body := env.Text
	if body == "" {
		body = env.HTML
	}
	b.WriteString("Body:\n")
	b.WriteString(body + "\n")
	b.WriteString(separator)

	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return "", fmt.Errorf("failed to write envelope: %w", err)
	}
	return id, nil
}

func (p *Provider) Name() string {
	return "stdout"
}
