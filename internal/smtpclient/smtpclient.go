// Package smtpclient submits a single message to an SMTP server by driving
// the command sequence by hand: banner, EHLO, STARTTLS, EHLO, AUTH LOGIN,
// MAIL FROM, one RCPT TO per recipient, DATA, QUIT.
//
// Every call to Send dials its own connection and closes it before
// returning; nothing is shared between calls. Failures are reported in the
// returned SendResult rather than as a Go error.
package smtpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shineum/crm-mail/internal/email"
	"github.com/shineum/crm-mail/internal/message"
)

const (
	DefaultDialTimeout = 30 * time.Second
	DefaultIdleTimeout = 30 * time.Second

	quitTimeout = 5 * time.Second
)

// Security selects how the connection becomes encrypted.
type Security int

const (
	// SecurityStartTLS connects in plaintext and upgrades with STARTTLS.
	SecurityStartTLS Security = iota
	// SecurityImplicitTLS handshakes immediately after connecting (port 465).
	SecurityImplicitTLS
)

// ParseSecurity accepts "starttls" or "tls"/"ssl"/"implicit".
func ParseSecurity(s string) (Security, error) {
	switch s {
	case "", "starttls":
		return SecurityStartTLS, nil
	case "tls", "ssl", "implicit":
		return SecurityImplicitTLS, nil
	default:
		return 0, fmt.Errorf("unknown SMTP security mode %q", s)
	}
}

// ConnectionConfig holds everything needed to reach and log in to one
// submission server.
type ConnectionConfig struct {
	Host     string
	Port     int
	Security Security
	Username string
	Password string

	// LocalName is the EHLO argument. Defaults to Host.
	LocalName string
	// TLSConfig is cloned for the handshake; ServerName is always Host.
	TLSConfig   *tls.Config
	DialTimeout time.Duration
	// IdleTimeout bounds the wait for each reply.
	IdleTimeout time.Duration
}

// Address returns host:port.
func (c ConnectionConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.LocalName == "" {
		c.LocalName = c.Host
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

func (c ConnectionConfig) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg.ServerName = c.Host
	return cfg
}

// SendResult is the outcome of one Send.
type SendResult struct {
	Success   bool
	Message   string
	MessageID string
	Failure   *Error
}

// Err returns the failure as an error, or nil on success.
func (r SendResult) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// DialFunc opens the TCP connection. It has the signature of
// (*net.Dialer).DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Driver sends messages. The zero value is not usable; call New. A Driver
// holds no per-send state and may be shared between goroutines.
type Driver struct {
	dial   DialFunc
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithDialer replaces the TCP dialer, mainly for tests.
func WithDialer(dial DialFunc) Option {
	return func(d *Driver) { d.dial = dial }
}

// WithLogger sets the logger. slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// WithClock sets the time source used for the Date header.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// New returns a Driver.
func New(opts ...Option) *Driver {
	d := &Driver{now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send submits env using a driver with default options.
func Send(ctx context.Context, cfg ConnectionConfig, env *email.Envelope) SendResult {
	return New().Send(ctx, cfg, env)
}

func (d *Driver) log() *slog.Logger {
	if d.logger != nil {
		return d.logger
	}
	return slog.Default()
}

// Send connects, runs the full command sequence for env and disconnects.
// Cancelling ctx closes the socket immediately and skips QUIT.
func (d *Driver) Send(ctx context.Context, cfg ConnectionConfig, env *email.Envelope) (result SendResult) {
	cfg = cfg.withDefaults()
	logger := d.log().With("smtp_host", cfg.Address())
	messageID := NewMessageID(cfg.LocalName)

	defer func() {
		if r := recover(); r != nil {
			result = d.failed(logger, &Error{Kind: KindProtocol, Message: "protocol error", Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	rcpts := env.Recipients()
	if len(rcpts) == 0 {
		return d.failed(logger, &Error{Kind: KindRecipient, Step: StateRcptTo, Message: "no recipients"})
	}
	doc, err := message.Build(env, messageID, d.now())
	if err != nil {
		return d.failed(logger, &Error{Kind: KindProtocol, Step: StateData, Message: "protocol error", Err: err})
	}

	dial := d.dial
	if dial == nil {
		dial = (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext
	}
	raw, err := dial(ctx, "tcp", cfg.Address())
	if err != nil {
		return d.failed(logger, dialError(ctx, err))
	}

	ch := newChannel(raw)
	defer ch.close()
	stop := context.AfterFunc(ctx, func() { _ = ch.close() })
	defer stop()

	s := &session{
		ctx:       ctx,
		cfg:       cfg,
		env:       env,
		ch:        ch,
		logger:    logger,
		rcpts:     rcpts,
		data:      message.DotStuff(doc),
		messageID: messageID,
	}

	if cfg.Security == SecurityImplicitTLS {
		if err := ch.upgrade(ctx, cfg.tlsConfig(), cfg.IdleTimeout); err != nil {
			return d.failed(logger, handshakeError(ctx, StateConnect, err))
		}
	}

	if e := s.run(); e != nil {
		return d.failed(logger, e)
	}

	logger.Info("email sent", "message_id", messageID, "recipients", len(rcpts))
	return SendResult{
		Success:   true,
		Message:   "email sent successfully",
		MessageID: messageID,
	}
}

func (d *Driver) failed(logger *slog.Logger, e *Error) SendResult {
	logger.Warn("email send failed",
		"step", e.Step.String(),
		"kind", e.Kind.String(),
		"error", e.Error(),
	)
	return SendResult{Success: false, Message: e.Error(), Failure: e}
}

// NewMessageID returns a Message-ID of the form <ULID@host>. The ULID
// carries the creation time in its leading bits.
func NewMessageID(host string) string {
	return "<" + ulid.Make().String() + "@" + host + ">"
}
