// Package httpapi exposes sending, the stored mail history and the IMAP
// inbox over a JSON HTTP API.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shineum/crm-mail/internal/inbox"
	"github.com/shineum/crm-mail/internal/provider"
	"github.com/shineum/crm-mail/internal/store"
)

const shutdownTimeout = 10 * time.Second

// EmailStore is the subset of *store.Store the API uses.
type EmailStore interface {
	CreateEmail(ctx context.Context, e *store.Email) error
	GetEmail(ctx context.Context, id string) (*store.Email, error)
	ListEmails(ctx context.Context, f store.ListFilter) ([]*store.Email, int, error)
	MarkRead(ctx context.Context, id string, read bool) error
	DeleteEmail(ctx context.Context, id string) error
}

// Inbox is satisfied by *inbox.Reader.
type Inbox interface {
	ListMailboxes(ctx context.Context) ([]inbox.Mailbox, error)
	FetchRange(ctx context.Context, mailbox string, from, to uint32) ([]inbox.Summary, error)
	FetchMessage(ctx context.Context, mailbox string, uid uint32) (*inbox.Fetched, error)
	DownloadPart(ctx context.Context, mailbox string, uid uint32, path string) ([]byte, error)
}

// Syncer is satisfied by *inbox.Syncer.
type Syncer interface {
	Sync(ctx context.Context, mailboxes []string, n uint32) (inbox.SyncResult, error)
}

// MXVerifier is satisfied by *mx.Verifier.
type MXVerifier interface {
	Verify(ctx context.Context, domain string) error
}

// Config holds the API's own settings.
type Config struct {
	// DefaultFrom is used when a send request has no sender.
	DefaultFrom string
	// CORSOrigin is returned in Access-Control-Allow-Origin.
	CORSOrigin string
	// Mailboxes and SyncLimit are the defaults for POST /api/inbox/sync.
	Mailboxes []string
	SyncLimit uint32
}

// Deps are the collaborators behind the handlers. Provider and Store are
// required; the inbox routes answer 503 while Inbox or Syncer is nil, and
// MX checks are skipped without a verifier.
type Deps struct {
	Provider provider.Provider
	Store    EmailStore
	Inbox    Inbox
	Syncer   Syncer
	MX       MXVerifier
	Logger   *slog.Logger
}

type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	router chi.Router
	now    func() time.Time
}

func New(cfg Config, deps Deps) *Server {
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if len(cfg.Mailboxes) == 0 {
		cfg.Mailboxes = []string{"INBOX"}
	}
	if cfg.SyncLimit == 0 {
		cfg.SyncLimit = 50
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "httpapi"),
		router: chi.NewRouter(),
		now:    time.Now,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(traceRequests)
	s.router.Use(cors(cfg.CORSOrigin))
	s.registerRoutes()
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves on ln until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("HTTP API listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) registerRoutes() {
	r := s.router

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/emails", func(r chi.Router) {
		r.Post("/send", s.handleSend)
		r.Get("/", s.handleListEmails)
		r.Get("/{id}", s.handleGetEmail)
		r.Patch("/{id}/read", s.handleMarkRead)
		r.Delete("/{id}", s.handleDeleteEmail)
	})

	r.Route("/api/inbox", func(r chi.Router) {
		r.Get("/mailboxes", s.handleListMailboxes)
		r.Get("/messages", s.handleListMessages)
		r.Get("/messages/{uid}", s.handleGetMessage)
		r.Get("/messages/{uid}/parts/{path}", s.handleDownloadPart)
		r.Post("/sync", s.handleSync)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
