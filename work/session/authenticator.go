package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kyt-gateway/work/client"
	"kyt-gateway/work/config"
	"kyt-gateway/work/logger"
	"kyt-gateway/work/vault"
)

// Authenticator performs one credential exchange against the upstream. It has
// no retry policy of its own; retry scheduling belongs to the Refresher.
type Authenticator interface {
	Authenticate(ctx context.Context, cred vault.Credential) (*Session, error)
}

// HTTPAuthenticator implements the credential exchange over the upstream's
// auth endpoint. The exchange itself is opaque: credentials go in, a cookie
// set and an expiry estimate come out.
type HTTPAuthenticator struct {
	cfg    *config.Config
	client *client.HeaderSettingClient
}

// NewHTTPAuthenticator builds the production authenticator.
func NewHTTPAuthenticator(cfg *config.Config, httpClient *client.HeaderSettingClient) *HTTPAuthenticator {
	return &HTTPAuthenticator{cfg: cfg, client: httpClient}
}

// challengeMarkers are body fragments that indicate the upstream wants an
// interactive verification step the automation cannot satisfy. Distinct from
// a plain credential rejection: retrying would only raise suspicion.
var challengeMarkers = []string{"captcha", "challenge", "verify_identity", "two_factor"}

// Authenticate posts the credential pair and harvests the resulting cookie
// set. Classification:
//   - 401/403 → ErrInvalidCredential
//   - 2xx with a challenge marker in the body, or an X-Challenge header →
//     ErrChallengeRequired
//   - anything else non-2xx, or a transport error → ErrUpstreamUnavailable
func (a *HTTPAuthenticator) Authenticate(ctx context.Context, cred vault.Credential) (*Session, error) {
	form := url.Values{}
	form.Set("identifier", cred.Email)
	form.Set("secret", cred.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.UpstreamAuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	// Read a bounded prefix of the body for challenge detection.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrInvalidCredential
	case resp.Header.Get("X-Challenge") != "" || containsChallengeMarker(body):
		return nil, ErrChallengeRequired
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: credential exchange returned status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	now := time.Now()
	sess := &Session{
		AcquiredAt:      now,
		EstimatedExpiry: now.Add(a.cfg.RefreshInterval),
		Status:          StatusActive,
	}

	for _, c := range resp.Cookies() {
		sess.Cookies = append(sess.Cookies, Cookie{
			Name:    c.Name,
			Value:   c.Value,
			Domain:  c.Domain,
			Path:    c.Path,
			Expires: c.Expires,
		})
		// The earliest cookie expiry bounds the whole session.
		if !c.Expires.IsZero() && c.Expires.Before(sess.EstimatedExpiry) {
			sess.EstimatedExpiry = c.Expires
		}
	}

	if len(sess.Cookies) == 0 {
		return nil, fmt.Errorf("%w: credential exchange returned no cookies", ErrUpstreamUnavailable)
	}

	logger.Debug("{session - Authenticate} Exchange succeeded: %d cookies, estimated expiry %s",
		len(sess.Cookies), sess.EstimatedExpiry.Format(time.RFC3339))

	return sess, nil
}

func containsChallengeMarker(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
