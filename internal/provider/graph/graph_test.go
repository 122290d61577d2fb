package graph

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/crm-mail/internal/email"
	"github.com/shineum/crm-mail/internal/provider"
)

var _ provider.Provider = (*Provider)(nil)

func testEnvelope() *email.Envelope {
	return &email.Envelope{
		From:    "crm@contoso.test",
		To:      []string{"alice@example.com", "bob@example.com"},
		Cc:      []string{"cc@example.com"},
		Bcc:     []string{"audit@example.com"},
		Subject: "Renewal",
		Text:    "plain",
		HTML:    "<p>rich</p>",
	}
}

// fakeGraph serves both the token and sendMail endpoints. respond decides
// the sendMail status for each call.
type fakeGraph struct {
	srv        *httptest.Server
	tokenCalls atomic.Int32
	sendCalls  atomic.Int32
	lastBody   atomic.Value
	lastAuth   atomic.Value
	respond    func(call int32, w http.ResponseWriter)
}

func newFakeGraph(t *testing.T, respond func(call int32, w http.ResponseWriter)) *fakeGraph {
	t.Helper()
	fg := &fakeGraph{respond: respond}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tenant-1/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		n := fg.tokenCalls.Add(1)
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "tok" + strconv.Itoa(int(n)), ExpiresIn: 3600})
	})
	mux.HandleFunc("POST /v1.0/users/{sender}/sendMail", func(w http.ResponseWriter, r *http.Request) {
		if got := r.PathValue("sender"); got != "crm@contoso.test" {
			t.Errorf("sendMail mailbox: got %q, want crm@contoso.test", got)
		}
		body, _ := io.ReadAll(r.Body)
		fg.lastBody.Store(body)
		fg.lastAuth.Store(r.Header.Get("Authorization"))
		fg.respond(fg.sendCalls.Add(1), w)
	})
	fg.srv = httptest.NewServer(mux)
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeGraph) provider() *Provider {
	p := New(Config{
		TenantID:      "tenant-1",
		ClientID:      "id",
		ClientSecret:  "secret",
		Sender:        "crm@contoso.test",
		Endpoint:      fg.srv.URL,
		LoginEndpoint: fg.srv.URL,
	})
	p.retryBase = time.Millisecond
	return p
}

func accepted(int32, http.ResponseWriter) {}

func TestName(t *testing.T) {
	t.Parallel()
	if got := New(Config{Sender: "s@example.com"}).Name(); got != "msgraph" {
		t.Errorf("Name(): got %q, want %q", got, "msgraph")
	}
}

func TestBuildSendMailRequest(t *testing.T) {
	t.Parallel()

	env := testEnvelope()
	env.Priority = email.PriorityHigh
	req := buildSendMailRequest(env, "crm@contoso.test", "<id@contoso.test>")
	msg := req.Message

	if msg.InternetMessageID != "<id@contoso.test>" {
		t.Errorf("InternetMessageID: got %q", msg.InternetMessageID)
	}
	if msg.Body.ContentType != "html" || msg.Body.Content != "<p>rich</p>" {
		t.Errorf("Body: got %+v, want the html body", msg.Body)
	}
	if len(msg.ToRecipients) != 2 || msg.ToRecipients[1].EmailAddress.Address != "bob@example.com" {
		t.Errorf("ToRecipients: got %+v", msg.ToRecipients)
	}
	if len(msg.CcRecipients) != 1 || len(msg.BccRecipients) != 1 {
		t.Errorf("Cc/Bcc: got %d/%d, want 1/1", len(msg.CcRecipients), len(msg.BccRecipients))
	}
	if msg.From != nil {
		t.Errorf("From: got %+v, want nil when sending as the mailbox", msg.From)
	}
	if msg.Importance != "high" {
		t.Errorf("Importance: got %q, want %q", msg.Importance, "high")
	}
	if len(msg.InternetMessageHeaders) != 1 || msg.InternetMessageHeaders[0].Value != "1 (Highest)" {
		t.Errorf("headers: got %+v", msg.InternetMessageHeaders)
	}
	if !req.SaveToSentItems {
		t.Error("SaveToSentItems: got false, want true")
	}
}

func TestBuildSendMailRequest_TextOnlyOtherSender(t *testing.T) {
	t.Parallel()

	env := &email.Envelope{
		From:    "rep@contoso.test",
		To:      []string{"alice@example.com"},
		Subject: "Hi",
		Text:    "plain only",
	}
	msg := buildSendMailRequest(env, "crm@contoso.test", "<x@contoso.test>").Message

	if msg.Body.ContentType != "text" || msg.Body.Content != "plain only" {
		t.Errorf("Body: got %+v", msg.Body)
	}
	if msg.From == nil || msg.From.EmailAddress.Address != "rep@contoso.test" {
		t.Errorf("From: got %+v, want rep@contoso.test", msg.From)
	}
	if msg.Importance != "normal" || msg.InternetMessageHeaders != nil {
		t.Errorf("normal priority: got importance %q headers %+v", msg.Importance, msg.InternetMessageHeaders)
	}
	if msg.CcRecipients != nil || msg.BccRecipients != nil {
		t.Error("empty cc/bcc should be omitted")
	}
}

func TestSend_Success(t *testing.T) {
	t.Parallel()

	fg := newFakeGraph(t, accepted)
	id, err := fg.provider().Send(context.Background(), testEnvelope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, "@contoso.test>") {
		t.Errorf("message id: got %q", id)
	}

	var req sendMailRequest
	if err := json.Unmarshal(fg.lastBody.Load().([]byte), &req); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if req.Message.InternetMessageID != id {
		t.Errorf("request message id: got %q, want %q", req.Message.InternetMessageID, id)
	}
	if got := fg.lastAuth.Load().(string); got != "Bearer tok1" {
		t.Errorf("Authorization: got %q, want %q", got, "Bearer tok1")
	}
}

func TestSend_RefreshesTokenOn401(t *testing.T) {
	t.Parallel()

	fg := newFakeGraph(t, func(call int32, w http.ResponseWriter) {
		if call == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"code":"InvalidAuthenticationToken","message":"expired"}}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	if _, err := fg.provider().Send(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fg.tokenCalls.Load() != 2 {
		t.Errorf("token calls: got %d, want 2", fg.tokenCalls.Load())
	}
	if got := fg.lastAuth.Load().(string); got != "Bearer tok2" {
		t.Errorf("Authorization after refresh: got %q, want %q", got, "Bearer tok2")
	}
}

func TestSend_FreshTokenRejected(t *testing.T) {
	t.Parallel()

	fg := newFakeGraph(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"ErrorAccessDenied","message":"app lacks Mail.Send"}}`))
	})

	_, err := fg.provider().Send(context.Background(), testEnvelope())
	if err == nil || !strings.Contains(err.Error(), "Mail.Send") {
		t.Fatalf("got %v, want the Graph denial", err)
	}
	if fg.sendCalls.Load() != 2 || fg.tokenCalls.Load() != 2 {
		t.Errorf("got %d sends and %d token fetches, want 2 and 2", fg.sendCalls.Load(), fg.tokenCalls.Load())
	}
}

func TestNew_DefaultsToGlobalCloud(t *testing.T) {
	t.Parallel()

	p := New(Config{TenantID: "t", Sender: "crm@contoso.test"})
	if want := "https://graph.microsoft.com/v1.0/users/crm@contoso.test/sendMail"; p.sendURL != want {
		t.Errorf("sendURL: got %q, want %q", p.sendURL, want)
	}
	if want := "https://login.microsoftonline.com/t/oauth2/v2.0/token"; p.tokens.tokenURL != want {
		t.Errorf("tokenURL: got %q, want %q", p.tokens.tokenURL, want)
	}
	if p.tokens.scope != "https://graph.microsoft.com/.default" {
		t.Errorf("scope: got %q", p.tokens.scope)
	}
}

func TestSend_RetriesTransient(t *testing.T) {
	t.Parallel()

	fg := newFakeGraph(t, func(call int32, w http.ResponseWriter) {
		switch call {
		case 1:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	})

	if _, err := fg.provider().Send(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fg.sendCalls.Load() != 3 {
		t.Errorf("send calls: got %d, want 3", fg.sendCalls.Load())
	}
}

func TestSend_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()

	fg := newFakeGraph(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"ErrorInvalidRecipients","message":"bad recipient"}}`))
	})

	_, err := fg.provider().Send(context.Background(), testEnvelope())
	var serr *sendError
	if !errors.As(err, &serr) || serr.statusCode != http.StatusBadRequest {
		t.Fatalf("got %v, want a 400 sendError", err)
	}
	if !strings.Contains(err.Error(), "bad recipient") {
		t.Errorf("error: got %q, want the Graph message", err)
	}
	if fg.sendCalls.Load() != 1 {
		t.Errorf("send calls: got %d, want 1", fg.sendCalls.Load())
	}
}

func TestSend_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	fg := newFakeGraph(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := fg.provider().Send(context.Background(), testEnvelope())
	if err == nil || !strings.Contains(err.Error(), "after 3 retries") {
		t.Fatalf("got %v, want retries exhausted", err)
	}
	if fg.sendCalls.Load() != maxRetries+1 {
		t.Errorf("send calls: got %d, want %d", fg.sendCalls.Load(), maxRetries+1)
	}
}

func TestSend_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	fg := newFakeGraph(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	p := fg.provider()
	p.retryBase = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Send(ctx, testEnvelope())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want context.DeadlineExceeded", err)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusForbidden, true},
		{http.StatusNotFound, true},
		{http.StatusUnauthorized, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		got := classifyError(tt.status, "m", "")
		if got.permanent != tt.permanent || got.transient == tt.permanent {
			t.Errorf("status %d: got permanent=%v transient=%v", tt.status, got.permanent, got.transient)
		}
	}
}
