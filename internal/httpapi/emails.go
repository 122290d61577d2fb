package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/shineum/crm-mail/internal/email"
	"github.com/shineum/crm-mail/internal/store"
)

const maxRequestBody = 10 << 20

type sendRequest struct {
	From     string   `json:"from"`
	To       []string `json:"to"`
	Cc       []string `json:"cc"`
	Bcc      []string `json:"bcc"`
	Subject  string   `json:"subject"`
	Text     string   `json:"text"`
	HTML     string   `json:"html"`
	Priority string   `json:"priority"`
}

type sendResponse struct {
	response
	MessageID string `json:"message_id,omitempty"`
	ID        string `json:"id,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	if req.From == "" {
		req.From = s.cfg.DefaultFrom
	}
	if strings.TrimSpace(req.Text) == "" && strings.TrimSpace(req.HTML) == "" {
		writeError(w, http.StatusBadRequest, "validation", "text or html body is required")
		return
	}

	env, err := email.ValidateEnvelope(&email.Envelope{
		From:     req.From,
		To:       req.To,
		Cc:       req.Cc,
		Bcc:      req.Bcc,
		Subject:  req.Subject,
		Text:     req.Text,
		HTML:     req.HTML,
		Priority: email.ParsePriority(req.Priority),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	if s.deps.MX != nil {
		if err := s.verifyDomains(r, env); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "recipient", err.Error())
			return
		}
	}

	messageID, err := s.deps.Provider.Send(r.Context(), env)
	if err != nil {
		status, body := sendFailure(err)
		s.logger.Warn("send failed", "provider", s.deps.Provider.Name(), "status", status, "error", err)
		writeJSON(w, status, body)
		return
	}

	rec := store.NewEmailRecord(store.DirectionSent, messageID, env, s.now())
	if err := s.deps.Store.CreateEmail(r.Context(), rec); err != nil {
		// The message is already out; losing the history row is not a
		// send failure.
		s.logger.Error("failed to record sent email", "message_id", messageID, "error", err)
		rec.ID = ""
	}

	writeJSON(w, http.StatusOK, sendResponse{
		response:  response{Success: true, Message: "email sent successfully"},
		MessageID: messageID,
		ID:        rec.ID,
	})
}

// verifyDomains checks each distinct recipient domain once.
func (s *Server) verifyDomains(r *http.Request, env *email.Envelope) error {
	seen := map[string]bool{}
	for _, addr := range env.Recipients() {
		domain := email.Domain(addr)
		if seen[domain] {
			continue
		}
		seen[domain] = true
		if err := s.deps.MX.Verify(r.Context(), domain); err != nil {
			return err
		}
	}
	return nil
}

type listResponse struct {
	Emails []*store.Email `json:"emails"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{
		Direction:  store.Direction(q.Get("direction")),
		UnreadOnly: q.Get("unread") == "true",
		Search:     q.Get("q"),
	}
	switch f.Direction {
	case "", store.DirectionSent, store.DirectionInbound:
	default:
		writeError(w, http.StatusBadRequest, "validation", "direction must be sent or inbound")
		return
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit"), store.DefaultLimit); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid limit")
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid offset")
		return
	}
	f.Limit = min(f.Limit, store.MaxLimit)

	emails, total, err := s.deps.Store.ListEmails(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list emails", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list emails")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Emails: emails, Total: total, Limit: f.Limit, Offset: f.Offset})
}

func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Store.GetEmail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	// An empty body marks the email read.
	body := struct {
		IsRead *bool `json:"is_read"`
	}{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	read := true
	if body.IsRead != nil {
		read = *body.IsRead
	}

	if err := s.deps.Store.MarkRead(r.Context(), chi.URLParam(r, "id"), read); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "email updated"})
}

func (s *Server) handleDeleteEmail(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteEmail(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "email not found")
		return
	}
	s.logger.Error("store error", "error", err)
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
