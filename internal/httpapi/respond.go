package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shineum/crm-mail/internal/provider"
	"github.com/shineum/crm-mail/internal/smtpclient"
)

// response is the envelope for every non-list reply.
type response struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Kind  string `json:"kind"`
	Step  string `json:"step,omitempty"`
	Reply string `json:"reply,omitempty"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, response{Message: msg, Error: &errorBody{Kind: kind}})
}

// sendFailure maps a provider error to a status and body. SMTP failures
// keep their kind, step, server reply and transport code.
func sendFailure(err error) (int, response) {
	var serr *smtpclient.Error
	if errors.As(err, &serr) {
		body := &errorBody{Kind: serr.Kind.String(), Step: serr.Step.String(), Reply: serr.Reply, Code: serr.Code}
		return statusForKind(serr.Kind), response{Message: serr.Error(), Error: body}
	}

	switch {
	case errors.Is(err, provider.ErrNotConfigured):
		return http.StatusServiceUnavailable, response{Message: err.Error(), Error: &errorBody{Kind: "not_configured"}}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, response{Message: "send timed out", Error: &errorBody{Kind: "timeout"}}
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, response{Message: "send canceled", Error: &errorBody{Kind: "canceled"}}
	default:
		return http.StatusBadGateway, response{Message: err.Error(), Error: &errorBody{Kind: "provider"}}
	}
}

func statusForKind(k smtpclient.ErrorKind) int {
	switch k {
	case smtpclient.KindRecipient:
		return http.StatusUnprocessableEntity
	case smtpclient.KindTimeout:
		return http.StatusGatewayTimeout
	case smtpclient.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
