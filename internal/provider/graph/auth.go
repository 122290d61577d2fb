package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// expiryMargin is taken off every token lifetime so a send never starts
// with a token that expires mid-request.
const expiryMargin = 5 * time.Minute

// accessToken is one bearer token and the time it stops being used.
type accessToken struct {
	value  string
	expiry time.Time
}

func (t accessToken) validAt(now time.Time) bool {
	return t.value != "" && now.Before(t.expiry)
}

// tokenSource issues app-only tokens for one tenant. Concurrent senders
// that find the cache empty share a single token request.
type tokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	client       *http.Client
	now          func() time.Time

	fetches singleflight.Group

	mu      sync.Mutex
	current accessToken
}

func newTokenSource(tokenURL, scope, clientID, clientSecret string, client *http.Client) *tokenSource {
	return &tokenSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		scope:        scope,
		client:       client,
		now:          time.Now,
	}
}

// scopeFor is the client-credentials scope for a Graph endpoint, e.g.
// https://graph.microsoft.com/.default.
func scopeFor(endpoint string) string {
	return strings.TrimSuffix(endpoint, "/") + "/.default"
}

// Token returns a cached token or fetches a new one.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	cur := ts.current
	ts.mu.Unlock()
	if cur.validAt(ts.now()) {
		return cur.value, nil
	}

	v, err, _ := ts.fetches.Do("token", func() (any, error) {
		// A fetch that finished since the check above is as good as ours.
		ts.mu.Lock()
		cur := ts.current
		ts.mu.Unlock()
		if cur.validAt(ts.now()) {
			return cur.value, nil
		}

		tok, err := ts.fetch(ctx)
		if err != nil {
			return nil, err
		}
		ts.mu.Lock()
		ts.current = tok
		ts.mu.Unlock()
		return tok.value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops rejected if it is still the cached token. A token some
// other send already replaced is left alone.
func (ts *tokenSource) Invalidate(rejected string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.current.value == rejected {
		ts.current = accessToken{}
	}
}

func (ts *tokenSource) fetch(ctx context.Context) (accessToken, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {ts.clientID},
		"client_secret": {ts.clientSecret},
		"scope":         {ts.scope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return accessToken{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(req)
	if err != nil {
		return accessToken{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return accessToken{}, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return accessToken{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return accessToken{}, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return accessToken{}, errors.New("token response missing access_token")
	}

	lifetime := time.Duration(tr.ExpiresIn)*time.Second - expiryMargin
	return accessToken{value: tr.AccessToken, expiry: ts.now().Add(lifetime)}, nil
}
