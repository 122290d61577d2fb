package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/crm-mail/internal/email"
	"github.com/shineum/crm-mail/internal/smtpclient"
)

const (
	maxRetries       = 3
	defaultRetryBase = time.Second
	requestTimeout   = 30 * time.Second

	DefaultEndpoint      = "https://graph.microsoft.com"
	DefaultLoginEndpoint = "https://login.microsoftonline.com"
)

// Config holds the app registration and the mailbox to send as. The
// endpoints default to the global cloud; national clouds set both.
type Config struct {
	TenantID      string
	ClientID      string
	ClientSecret  string
	Sender        string
	Endpoint      string
	LoginEndpoint string
}

// Provider sends envelopes through Graph. sendMail answers 202 with no
// body, so the provider assigns the Internet Message-ID itself and returns
// it.
type Provider struct {
	sender     string
	sendURL    string
	httpClient *http.Client
	tokens     *tokenSource
	retryBase  time.Duration
}

// New returns a Provider for cfg.
func New(cfg Config) *Provider {
	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	login := strings.TrimSuffix(cfg.LoginEndpoint, "/")
	if login == "" {
		login = DefaultLoginEndpoint
	}

	client := &http.Client{Timeout: requestTimeout}
	tokenURL := login + "/" + url.PathEscape(cfg.TenantID) + "/oauth2/v2.0/token"
	return &Provider{
		sender:     cfg.Sender,
		sendURL:    endpoint + "/v1.0/users/" + url.PathEscape(cfg.Sender) + "/sendMail",
		httpClient: client,
		tokens:     newTokenSource(tokenURL, scopeFor(endpoint), cfg.ClientID, cfg.ClientSecret, client),
		retryBase:  defaultRetryBase,
	}
}

func (p *Provider) Name() string {
	return "msgraph"
}

// Send posts env to sendMail. A 401 discards the rejected token and tries
// once more with a fresh one; 429 honours Retry-After; 5xx and transport
// errors back off exponentially.
func (p *Provider) Send(ctx context.Context, env *email.Envelope) (string, error) {
	from := env.From
	if from == "" {
		from = p.sender
	}
	messageID := smtpclient.NewMessageID(email.Domain(from))

	bodyJSON, err := json.Marshal(buildSendMailRequest(env, p.sender, messageID))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	var lastErr error
	reauthenticated := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying Graph API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		token, err := p.tokens.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to get access token: %w", err)
		}
		err = p.post(ctx, token, bodyJSON)
		if err == nil {
			return messageID, nil
		}
		lastErr = err

		var serr *sendError
		if !errors.As(err, &serr) {
			return "", err
		}

		switch {
		case serr.permanent:
			return "", serr
		case serr.statusCode == http.StatusUnauthorized:
			if reauthenticated {
				return "", fmt.Errorf("Graph API rejected a fresh token: %w", serr)
			}
			slog.Info("Graph API rejected the access token, fetching a new one")
			p.tokens.Invalidate(token)
			reauthenticated = true
		case serr.statusCode == http.StatusTooManyRequests:
			delay := p.retryAfterDelay(serr.retryAfter, attempt)
			slog.Info("rate limited by Graph API", "retry_after", delay)
			if err := sleepWithContext(ctx, delay); err != nil {
				return "", fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		default:
			delay := p.backoffDelay(attempt)
			slog.Info("transient Graph API error, retrying",
				"status", serr.statusCode,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return "", fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}
	}

	return "", fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)
}

// post makes one sendMail call with token.
func (p *Provider) post(ctx context.Context, token string, bodyJSON []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sendURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &sendError{message: fmt.Sprintf("HTTP request failed: %v", err), transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)
	var ger graphErrorResponse
	if err := json.Unmarshal(body, &ger); err == nil && ger.Error.Message != "" {
		return classifyError(resp.StatusCode, ger.Error.Message, resp.Header.Get("Retry-After"))
	}
	return classifyError(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
}

// sendError is one failed sendMail call, classified for the retry loop.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}
	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}
	return err
}

// retryAfterDelay prefers the server's Retry-After seconds and falls back
// to exponential backoff.
func (p *Provider) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return p.backoffDelay(attempt)
}

// backoffDelay doubles from retryBase: 1s, 2s, 4s by default.
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
