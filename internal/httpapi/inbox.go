package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shineum/crm-mail/internal/inbox"
)

const defaultPageSize = 20

func (s *Server) inboxReady(w http.ResponseWriter) bool {
	if s.deps.Inbox == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "IMAP inbox not configured")
		return false
	}
	return true
}

func (s *Server) handleListMailboxes(w http.ResponseWriter, r *http.Request) {
	if !s.inboxReady(w) {
		return
	}
	boxes, err := s.deps.Inbox.ListMailboxes(r.Context())
	if err != nil {
		s.inboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mailboxes": boxes})
}

// handleListMessages returns summaries for ?from=&to= sequence numbers,
// defaulting to the first page.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if !s.inboxReady(w) {
		return
	}
	q := r.URL.Query()
	mailbox := mailboxParam(r)
	from, err := uint32Param(q.Get("from"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid from")
		return
	}
	to, err := uint32Param(q.Get("to"), from+defaultPageSize-1)
	if err != nil || to < from {
		writeError(w, http.StatusBadRequest, "validation", "invalid to")
		return
	}

	summaries, err := s.deps.Inbox.FetchRange(r.Context(), mailbox, from, to)
	if err != nil {
		s.inboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mailbox": mailbox, "messages": summaries})
}

type messageResponse struct {
	inbox.Summary
	MessageID string   `json:"message_id"`
	To        []string `json:"to"`
	Cc        []string `json:"cc,omitempty"`
	Priority  string   `json:"priority"`
	TextBody  string   `json:"text_body"`
	HTMLBody  string   `json:"html_body"`
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	if !s.inboxReady(w) {
		return
	}
	uid, err := uint32Param(chi.URLParam(r, "uid"), 0)
	if err != nil || uid == 0 {
		writeError(w, http.StatusBadRequest, "validation", "invalid uid")
		return
	}

	f, err := s.deps.Inbox.FetchMessage(r.Context(), mailboxParam(r), uid)
	if err != nil {
		s.inboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Summary:   f.Summary,
		MessageID: f.Message.MessageID,
		To:        f.Message.To,
		Cc:        f.Message.Cc,
		Priority:  string(f.Message.Priority),
		TextBody:  f.Message.TextBody,
		HTMLBody:  f.Message.HTMLBody,
	})
}

func (s *Server) handleDownloadPart(w http.ResponseWriter, r *http.Request) {
	if !s.inboxReady(w) {
		return
	}
	uid, err := uint32Param(chi.URLParam(r, "uid"), 0)
	if err != nil || uid == 0 {
		writeError(w, http.StatusBadRequest, "validation", "invalid uid")
		return
	}
	path := chi.URLParam(r, "path")
	if _, err := inbox.ParsePartPath(path); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	content, err := s.deps.Inbox.DownloadPart(r.Context(), mailboxParam(r), uid, path)
	if err != nil {
		s.inboxError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=\"part-"+path+"\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "IMAP inbox not configured")
		return
	}
	limit, err := uint32Param(r.URL.Query().Get("limit"), s.cfg.SyncLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid limit")
		return
	}
	mailboxes := s.cfg.Mailboxes
	if m := r.URL.Query()["mailbox"]; len(m) > 0 {
		mailboxes = m
	}

	res, err := s.deps.Syncer.Sync(r.Context(), mailboxes, limit)
	if err != nil {
		s.logger.Error("inbox sync failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"message": err.Error(),
			"result":  res,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": res})
}

func (s *Server) inboxError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, inbox.ErrMessageNotFound), errors.Is(err, inbox.ErrPartNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, inbox.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "not_configured", err.Error())
	default:
		s.logger.Error("imap error", "error", err)
		writeError(w, http.StatusBadGateway, "imap", err.Error())
	}
}

func mailboxParam(r *http.Request) string {
	if m := r.URL.Query().Get("mailbox"); m != "" {
		return m
	}
	return "INBOX"
}

func uint32Param(v string, def uint32) (uint32, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
