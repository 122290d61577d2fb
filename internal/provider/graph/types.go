// Package graph implements a Provider that sends through the Microsoft
// Graph sendMail API with app-only (client credentials) authentication.
package graph

import "github.com/shineum/crm-mail/internal/email"

// sendMailRequest is the top-level request body for the sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	InternetMessageID      string          `json:"internetMessageId,omitempty"`
	Subject                string          `json:"subject"`
	Importance             string          `json:"importance,omitempty"`
	Body                   messageBody     `json:"body"`
	From                   *recipient      `json:"from,omitempty"`
	ToRecipients           []recipient     `json:"toRecipients"`
	CcRecipients           []recipient     `json:"ccRecipients,omitempty"`
	BccRecipients          []recipient     `json:"bccRecipients,omitempty"`
	InternetMessageHeaders []messageHeader `json:"internetMessageHeaders,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

// messageHeader is a custom header. Graph only accepts names starting
// with X-.
type messageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// tokenResponse is the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts env into a sendMail body. Graph carries a
// single body, so HTML wins over text when both are present.
func buildSendMailRequest(env *email.Envelope, sender, messageID string) *sendMailRequest {
	body := messageBody{ContentType: "text", Content: env.Text}
	if env.HTML != "" {
		body = messageBody{ContentType: "html", Content: env.HTML}
	}

	msg := sendMailMessage{
		InternetMessageID: messageID,
		Subject:           env.Subject,
		Importance:        importance(env.Priority),
		Body:              body,
		ToRecipients:      recipients(env.To),
		CcRecipients:      recipients(env.Cc),
		BccRecipients:     recipients(env.Bcc),
	}
	if env.From != "" && env.From != sender {
		msg.From = &recipient{EmailAddress: emailAddress{Address: env.From}}
	}
	if h := env.Priority.Header(); h != "" {
		msg.InternetMessageHeaders = []messageHeader{{Name: "X-Priority", Value: h}}
	}

	return &sendMailRequest{Message: msg, SaveToSentItems: true}
}

func recipients(addrs []string) []recipient {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]recipient, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, recipient{EmailAddress: emailAddress{Address: addr}})
	}
	return out
}

func importance(p email.Priority) string {
	switch p {
	case email.PriorityHigh:
		return "high"
	case email.PriorityLow:
		return "low"
	default:
		return "normal"
	}
}
