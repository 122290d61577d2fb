// Package ses implements a Provider that sends through the AWS SES v2 API.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/crm-mail/internal/email"
	"github.com/shineum/crm-mail/internal/message"
	"github.com/shineum/crm-mail/internal/smtpclient"
)

const (
	maxRetries       = 3
	defaultRetryBase = time.Second
)

// Config holds the settings for New.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Sender is used when an envelope has no From.
	Sender string
}

// SendEmailAPI is the part of the SES v2 client the provider needs.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Provider sends envelopes via SES. Normal-priority mail uses the simple
// content API; high and low priority go out as raw MIME so the
// X-Priority header survives.
type Provider struct {
	sender    string
	client    SendEmailAPI
	retryBase time.Duration
	now       func() time.Time
}

// New loads the AWS configuration and returns a Provider. Static keys are
// used when both are set; otherwise the default credential chain applies.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient returns a Provider around an existing client.
func NewWithClient(sender string, client SendEmailAPI) *Provider {
	return &Provider{
		sender:    sender,
		client:    client,
		retryBase: defaultRetryBase,
		now:       time.Now,
	}
}

func (p *Provider) Name() string {
	return "ses"
}

// Send delivers env, retrying throttling errors with exponential backoff.
func (p *Provider) Send(ctx context.Context, env *email.Envelope) (string, error) {
	input, err := p.buildInput(env)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, p.backoffDelay(attempt-1)); err != nil {
				return "", fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		out, err := p.client.SendEmail(ctx, input)
		if err == nil {
			return aws.ToString(out.MessageId), nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
		if !retryable(err) {
			return "", fmt.Errorf("SES rejected the message: %w", err)
		}
	}

	return "", fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

func (p *Provider) from(env *email.Envelope) string {
	if env.From != "" {
		return env.From
	}
	return p.sender
}

func (p *Provider) buildInput(env *email.Envelope) (*sesv2.SendEmailInput, error) {
	if env.Priority.Header() == "" {
		return buildSimpleInput(p.from(env), env), nil
	}

	from := p.from(env)
	withSender := *env
	withSender.From = from
	raw, err := message.Build(&withSender, smtpclient.NewMessageID(email.Domain(from)), p.now())
	if err != nil {
		return nil, fmt.Errorf("failed to build raw message: %w", err)
	}
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      destination(env),
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}, nil
}

func destination(env *email.Envelope) *types.Destination {
	return &types.Destination{
		ToAddresses:  env.To,
		CcAddresses:  env.Cc,
		BccAddresses: env.Bcc,
	}
}

func buildSimpleInput(sender string, env *email.Envelope) *sesv2.SendEmailInput {
	body := &types.Body{}
	if env.HTML != "" {
		body.Html = &types.Content{
			Data:    aws.String(env.HTML),
			Charset: aws.String("UTF-8"),
		}
	}
	if env.Text != "" {
		body.Text = &types.Content{
			Data:    aws.String(env.Text),
			Charset: aws.String("UTF-8"),
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      destination(env),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(env.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

// retryable reports whether SES asked us to slow down. Validation and
// rejection errors will not succeed on a second try.
func retryable(err error) bool {
	var tooMany *types.TooManyRequestsException
	var limit *types.LimitExceededException
	var rejected *types.MessageRejected
	var badInput *types.BadRequestException
	switch {
	case errors.As(err, &tooMany), errors.As(err, &limit):
		return true
	case errors.As(err, &rejected), errors.As(err, &badInput):
		return false
	default:
		return true
	}
}

// backoffDelay doubles the base delay for each completed attempt.
func (p *Provider) backoffDelay(attempt int) time.Duration {
	return p.retryBase << attempt
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
