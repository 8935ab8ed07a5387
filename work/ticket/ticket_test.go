package ticket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyt-gateway/work/types"
)

func testSource() *types.ResolvedSource {
	return &types.ResolvedSource{
		ID:          "dQw4w9WgXcQ",
		Title:       "Test",
		PlayableURL: "https://media.example.com/v/abc",
		Kind:        types.MediaVideo,
		ResolvedAt:  time.Now(),
	}
}

func TestIssueAndRedeem(t *testing.T) {
	r := NewRegistry(time.Hour)

	tk := r.Issue(testSource(), 7, 42)
	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, int64(7), tk.KeyID)
	assert.Equal(t, int64(42), tk.RecordID)
	assert.False(t, tk.Consumed())

	got, err := r.Redeem(tk.ID)
	require.NoError(t, err)
	assert.Same(t, tk, got)
	assert.True(t, got.Consumed())
}

func TestRedeemAgainWithinTTL(t *testing.T) {
	// Players seek and reconnect; a consumed ticket stays redeemable for
	// the rest of its TTL.
	r := NewRegistry(time.Hour)
	tk := r.Issue(testSource(), 1, 0)

	_, err := r.Redeem(tk.ID)
	require.NoError(t, err)
	_, err = r.Redeem(tk.ID)
	assert.NoError(t, err)
}

func TestRedeemUnknown(t *testing.T) {
	r := NewRegistry(time.Hour)
	_, err := r.Redeem("no-such-ticket")
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestRedeemExpired(t *testing.T) {
	r := NewRegistry(time.Millisecond)
	tk := r.Issue(testSource(), 1, 0)

	time.Sleep(5 * time.Millisecond)

	_, err := r.Redeem(tk.ID)
	assert.ErrorIs(t, err, ErrTicketExpired)
}

func TestExpiryIsHardBoundary(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	tk := r.Issue(testSource(), 1, 0)

	_, err := r.Redeem(tk.ID)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	// Already-consumed makes no difference: past the TTL is past the TTL.
	_, err = r.Redeem(tk.ID)
	assert.ErrorIs(t, err, ErrTicketExpired)
}

func TestSweepKeepsGracePeriod(t *testing.T) {
	r := NewRegistry(time.Millisecond)
	tk := r.Issue(testSource(), 1, 0)
	time.Sleep(5 * time.Millisecond)

	// within grace the id still answers "expired", not "not found"
	r.sweep(time.Hour)
	_, err := r.Redeem(tk.ID)
	assert.ErrorIs(t, err, ErrTicketExpired)

	// past grace it is gone entirely
	r.sweep(0)
	assert.Equal(t, 0, r.Len())
	_, err = r.Redeem(tk.ID)
	assert.ErrorIs(t, err, ErrTicketNotFound)
}
