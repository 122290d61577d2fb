// Package provider defines the interface for outbound delivery backends.
package provider

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shineum/crm-mail/internal/email"
)

// ErrNotConfigured is returned when a provider is selected but its
// required settings are missing.
var ErrNotConfigured = errors.New("provider not configured")

// Provider delivers an envelope and reports the message id under which the
// backend accepted it.
type Provider interface {
	Send(ctx context.Context, env *email.Envelope) (messageID string, err error)

	// Name returns the short name used in config and logs.
	Name() string
}

var tracer = otel.Tracer("github.com/shineum/crm-mail/internal/provider")

type traced struct {
	next Provider
}

// Traced wraps p so every Send runs inside a span.
func Traced(p Provider) Provider {
	return traced{next: p}
}

func (t traced) Name() string { return t.next.Name() }

func (t traced) Send(ctx context.Context, env *email.Envelope) (string, error) {
	ctx, span := tracer.Start(ctx, "provider.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mail.provider", t.next.Name()),
			attribute.Int("mail.recipients", len(env.Recipients())),
			attribute.String("mail.priority", string(env.Priority)),
		),
	)
	defer span.End()

	id, err := t.next.Send(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("mail.message_id", id))
	return id, nil
}
