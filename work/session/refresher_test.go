package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyt-gateway/work/config"
	"kyt-gateway/work/vault"
)

// scriptedAuth returns canned results in order, repeating the last one.
type scriptedAuth struct {
	calls   atomic.Int32
	results []authResult
}

type authResult struct {
	sess *Session
	err  error
}

func (s *scriptedAuth) Authenticate(ctx context.Context, cred vault.Credential) (*Session, error) {
	n := int(s.calls.Add(1)) - 1
	if n >= len(s.results) {
		n = len(s.results) - 1
	}
	r := s.results[n]
	if r.sess == nil {
		return nil, r.err
	}
	cp := *r.sess
	return &cp, r.err
}

func goodSession(ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		Cookies:         []Cookie{{Name: "sid", Value: "abc"}},
		AcquiredAt:      now,
		EstimatedExpiry: now.Add(ttl),
		Status:          StatusActive,
	}
}

func refresherConfig() *config.Config {
	return &config.Config{
		RefreshInterval: time.Hour,
		SafetyMargin:    time.Minute,
		MaxBackoff:      50 * time.Millisecond,
	}
}

func startRefresher(t *testing.T, auth Authenticator) *Refresher {
	t.Helper()
	r := NewRefresher(refresherConfig(), vault.New("u", "p", nil), auth)
	r.baseBackoff = 5 * time.Millisecond
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRefresherPublishesSession(t *testing.T) {
	auth := &scriptedAuth{results: []authResult{{sess: goodSession(time.Hour)}}}
	r := startRefresher(t, auth)

	waitFor(t, func() bool { return r.State() == StateAuthenticated })

	sess, err := r.UsableSession()
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sess.Status)
	assert.Len(t, sess.Cookies, 1)
}

func TestRefresherNoSessionBeforeFirstSuccess(t *testing.T) {
	r := NewRefresher(refresherConfig(), vault.New("u", "p", nil), nil)
	_, err := r.UsableSession()
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestRefresherDegradedServesStaleSession(t *testing.T) {
	// a short-lived session forces the scheduled refresh immediately; the
	// exchange then keeps failing transiently
	auth := &scriptedAuth{results: []authResult{
		{sess: goodSession(20 * time.Millisecond)},
		{err: ErrUpstreamUnavailable},
	}}
	r := NewRefresher(refresherConfig(), vault.New("u", "p", nil), auth)
	r.baseBackoff = 200 * time.Millisecond
	r.Start(context.Background())
	t.Cleanup(r.Stop)

	waitFor(t, func() bool { return r.State() == StateDegraded })

	// the upstream may still honor the stale session, so it keeps serving
	sess, err := r.UsableSession()
	require.NoError(t, err)
	assert.True(t, sess.Usable())
	assert.Len(t, sess.Cookies, 1)
	assert.Equal(t, StateDegraded, r.State())
}

func TestRefresherRejectionInvalidatesPublishedSession(t *testing.T) {
	auth := &scriptedAuth{results: []authResult{
		{sess: goodSession(time.Hour)},
		{err: ErrUpstreamUnavailable},
	}}
	r := startRefresher(t, auth)
	waitFor(t, func() bool { return r.State() == StateAuthenticated })

	// force an early refresh that will fail
	r.SignalRejected()
	waitFor(t, func() bool { return r.State() == StateDegraded })

	// rejection invalidated the published session; Degraded alone would
	// have kept serving it, confirmed rejection does not.
	_, err := r.UsableSession()
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestRefresherRecoversFromFailedStart(t *testing.T) {
	// first exchange fails: no session yet, Degraded, retrying
	auth := &scriptedAuth{results: []authResult{
		{err: ErrUpstreamUnavailable},
		{err: ErrUpstreamUnavailable},
		{sess: goodSession(time.Hour)},
	}}
	r := startRefresher(t, auth)

	waitFor(t, func() bool { return r.State() == StateAuthenticated })
	assert.GreaterOrEqual(t, auth.calls.Load(), int32(3))

	sess, err := r.UsableSession()
	require.NoError(t, err)
	assert.True(t, sess.Usable())
}

func TestRefresherRejectionTriggersReauth(t *testing.T) {
	auth := &scriptedAuth{results: []authResult{
		{sess: goodSession(time.Hour)},
		{sess: goodSession(time.Hour)},
	}}
	r := startRefresher(t, auth)
	waitFor(t, func() bool { return r.State() == StateAuthenticated })

	first := r.Current()
	r.SignalRejected()

	waitFor(t, func() bool { return auth.calls.Load() >= 2 && r.State() == StateAuthenticated })
	assert.NotSame(t, first, r.Current())
}

func TestRefresherChallengeIsTerminal(t *testing.T) {
	auth := &scriptedAuth{results: []authResult{
		{sess: goodSession(time.Hour)},
		{err: ErrChallengeRequired},
		{sess: goodSession(time.Hour)}, // must never be reached
	}}
	r := startRefresher(t, auth)
	waitFor(t, func() bool { return r.State() == StateAuthenticated })

	r.SignalRejected()
	waitFor(t, func() bool { return r.State() == StateFailed })

	_, err := r.UsableSession()
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	// terminal: no further attempts
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(2), auth.calls.Load())

	snap := r.Status()
	assert.Equal(t, "Failed", snap.State)
	assert.Contains(t, snap.LastError, "verification")
}

func TestRefresherInvalidCredentialIsTerminal(t *testing.T) {
	auth := &scriptedAuth{results: []authResult{{err: ErrInvalidCredential}}}
	r := startRefresher(t, auth)

	waitFor(t, func() bool { return r.State() == StateFailed })
	assert.Equal(t, int32(1), auth.calls.Load())
}

func TestRefresherMissingCredentialIsTerminal(t *testing.T) {
	r := NewRefresher(refresherConfig(), vault.New("", "", nil), &scriptedAuth{results: []authResult{{sess: goodSession(time.Hour)}}})
	r.baseBackoff = time.Millisecond
	r.Start(context.Background())
	defer r.Stop()

	waitFor(t, func() bool { return r.State() == StateFailed })
}

func TestRefresherProactiveRefreshBeforeExpiry(t *testing.T) {
	// short expiry: the refresh fires at expiry - margin, i.e. immediately,
	// and a new session replaces the old one without a gap
	auth := &scriptedAuth{results: []authResult{
		{sess: goodSession(30 * time.Millisecond)},
		{sess: goodSession(time.Hour)},
	}}
	r := startRefresher(t, auth)

	waitFor(t, func() bool { return auth.calls.Load() >= 2 })
	waitFor(t, func() bool { return r.State() == StateAuthenticated })

	sess, err := r.UsableSession()
	require.NoError(t, err)
	assert.Greater(t, time.Until(sess.EstimatedExpiry), 30*time.Minute)
}

func TestStatusSnapshot(t *testing.T) {
	auth := &scriptedAuth{results: []authResult{{sess: goodSession(time.Hour)}}}
	r := startRefresher(t, auth)
	waitFor(t, func() bool { return r.State() == StateAuthenticated })

	snap := r.Status()
	assert.Equal(t, "Authenticated", snap.State)
	assert.False(t, snap.LastSuccess.IsZero())
	assert.Empty(t, snap.LastError)
	assert.False(t, snap.EstimatedExpiry.IsZero())
}
