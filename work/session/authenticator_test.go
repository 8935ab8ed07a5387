package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyt-gateway/work/client"
	"kyt-gateway/work/config"
	"kyt-gateway/work/vault"
)

func testConfig(authURL string) *config.Config {
	return &config.Config{
		UpstreamBase:    "https://upstream.example.com",
		UpstreamAuthURL: authURL,
		RefreshInterval: 12 * time.Hour,
		UserAgents:      []string{"test-agent"},
	}
}

func newAuthenticator(cfg *config.Config) *HTTPAuthenticator {
	return NewHTTPAuthenticator(cfg, client.NewHeaderSettingClient(cfg, vault.New("", "", nil)))
}

var testCred = vault.Credential{Email: "user@example.com", Password: "hunter2"}

func TestAuthenticateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "user@example.com", r.PostForm.Get("identifier"))
		assert.Equal(t, "hunter2", r.PostForm.Get("secret"))

		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc"})
		http.SetCookie(w, &http.Cookie{Name: "token", Value: "xyz"})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sess, err := newAuthenticator(testConfig(srv.URL)).Authenticate(context.Background(), testCred)
	require.NoError(t, err)
	assert.Len(t, sess.Cookies, 2)
	assert.Equal(t, StatusActive, sess.Status)
	assert.WithinDuration(t, time.Now().Add(12*time.Hour), sess.EstimatedExpiry, time.Minute)
}

func TestAuthenticateCookieExpiryBoundsSession(t *testing.T) {
	soon := time.Now().Add(time.Hour).Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Expires: soon})
	}))
	defer srv.Close()

	sess, err := newAuthenticator(testConfig(srv.URL)).Authenticate(context.Background(), testCred)
	require.NoError(t, err)
	assert.WithinDuration(t, soon, sess.EstimatedExpiry, 2*time.Second)
}

func TestAuthenticateInvalidCredential(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		_, err := newAuthenticator(testConfig(srv.URL)).Authenticate(context.Background(), testCred)
		assert.ErrorIs(t, err, ErrInvalidCredential, "status %d", status)
		srv.Close()
	}
}

func TestAuthenticateChallengeDetection(t *testing.T) {
	t.Run("header", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Challenge", "interactive")
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		_, err := newAuthenticator(testConfig(srv.URL)).Authenticate(context.Background(), testCred)
		assert.ErrorIs(t, err, ErrChallengeRequired)
	})

	t.Run("body marker", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"action":"solve_captcha_to_continue"}`))
		}))
		defer srv.Close()

		_, err := newAuthenticator(testConfig(srv.URL)).Authenticate(context.Background(), testCred)
		assert.ErrorIs(t, err, ErrChallengeRequired)
	})
}

func TestAuthenticateServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newAuthenticator(testConfig(srv.URL)).Authenticate(context.Background(), testCred)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestAuthenticateTransportErrorIsTransient(t *testing.T) {
	// closed server: connection refused
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newAuthenticator(testConfig(srv.URL)).Authenticate(context.Background(), testCred)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestAuthenticateNoCookiesIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := newAuthenticator(testConfig(srv.URL)).Authenticate(context.Background(), testCred)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}
