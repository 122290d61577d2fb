// Package sink is a development SMTP server. It speaks enough ESMTP for
// the outbound client to complete a full submission (STARTTLS, AUTH
// PLAIN/LOGIN, MAIL, RCPT, DATA) and hands each received message to a
// Deliverer instead of relaying it.
package sink

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/shineum/crm-mail/internal/email"
)

const (
	shutdownTimeout       = 30 * time.Second
	defaultIdleTimeout    = 60 * time.Second
	defaultMaxMessageSize = 10 * 1024 * 1024
)

// Delivery is one accepted message together with its SMTP envelope.
type Delivery struct {
	MailFrom   string
	Recipients []string
	Raw        []byte
	Message    *email.Message
	ReceivedAt time.Time
}

// Deliverer receives every message the sink accepts. A returned error is
// reported to the client as a temporary failure.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Config configures a Server.
type Config struct {
	Addr     string
	Hostname string

	// TLSConfig enables STARTTLS when set.
	TLSConfig *tls.Config

	// Username and Password enable AUTH when both are set, and then MAIL
	// requires a successful login.
	Username string
	Password string

	// RejectDomains lists recipient domains answered with 550, for
	// exercising client rejection handling.
	RejectDomains []string

	MaxMessageSize int
	IdleTimeout    time.Duration

	Deliverer Deliverer
	Logger    *slog.Logger
}

// Server accepts SMTP connections until its context is cancelled.
type Server struct {
	cfg    Config
	creds  credentials
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New returns a Server with defaults filled in.
func New(cfg Config) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Deliverer == nil {
		cfg.Deliverer = NewRecorder()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		creds:  credentials{username: cfg.Username, password: cfg.Password},
		logger: logger.With("component", "sink"),
	}
}

// ListenAndServe listens on cfg.Addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. When ctx is cancelled it closes ln
// and waits up to shutdownTimeout for open sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("SMTP sink listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.creds.enabled(),
		"tls_enabled", s.cfg.TLSConfig != nil,
	)

	stop := context.AfterFunc(ctx, func() {
		s.logger.Info("shutting down SMTP sink")
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.waitForSessions()
				return nil
			}
			s.logger.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(s, conn).serve(ctx)
		}()
	}
}

func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		s.logger.Warn("shutdown timeout reached, abandoning open sessions")
	}
}

// Addr returns the listening address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) rejects(addr string) bool {
	domain := strings.ToLower(email.Domain(addr))
	for _, d := range s.cfg.RejectDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// Recorder is an in-memory Deliverer.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Deliver(_ context.Context, d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return nil
}

// Deliveries returns a copy of everything received so far.
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, d Delivery) error

func (f DelivererFunc) Deliver(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}
