package session

import (
	"errors"
	"net/http"
	"time"
)

// Authentication failure taxonomy. InvalidCredential and ChallengeRequired
// are terminal until an operator rotates the credential; UpstreamUnavailable
// is transient and retried by the refresher with bounded backoff.
var (
	ErrInvalidCredential   = errors.New("upstream rejected the configured credential")
	ErrChallengeRequired   = errors.New("upstream demanded an interactive verification step")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Status classifies a published session for consumers.
type Status int

const (
	StatusActive   Status = iota // Usable
	StatusExpiring               // Within the safety margin of estimated expiry
	StatusInvalid                // Confirmed rejected by the upstream; do not use
)

// Cookie is one name/value pair of the upstream cookie set, with the
// attributes needed to replay it on upstream requests.
type Cookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Domain  string    `json:"domain"`
	Path    string    `json:"path"`
	Expires time.Time `json:"expires"`
}

// Session is the authenticated credential bundle used to act as a logged-in
// upstream client. Instances are immutable once published: the refresher
// replaces the whole value in a single atomic store, so a reader can never
// observe a half-updated cookie set.
type Session struct {
	Cookies         []Cookie
	AcquiredAt      time.Time
	EstimatedExpiry time.Time
	Status          Status
}

// Usable reports whether this session may still be presented upstream.
// Expiring sessions are usable (possibly stale); Invalid ones are not.
func (s *Session) Usable() bool {
	return s != nil && s.Status != StatusInvalid
}

// Apply attaches the session's cookie set to an outbound upstream request.
func (s *Session) Apply(req *http.Request) {
	for _, c := range s.Cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}

// invalidated returns a copy of the session marked Invalid. The copy, not a
// field mutation, keeps the published value immutable.
func (s *Session) invalidated() *Session {
	cp := *s
	cp.Status = StatusInvalid
	return &cp
}
