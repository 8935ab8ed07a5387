package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyt-gateway/work/types"
)

func source(id string) *types.ResolvedSource {
	return &types.ResolvedSource{ID: id, PlayableURL: "https://media.example.com/" + id, ResolvedAt: time.Now()}
}

func TestSetGetInvalidate(t *testing.T) {
	c := New(time.Minute, 16)

	_, ok := c.Get("video|q:test")
	assert.False(t, ok)

	c.Set("video|q:test", source("abc"))
	got, ok := c.Get("video|q:test")
	require.True(t, ok)
	assert.Equal(t, "abc", got.ID)

	c.Invalidate("video|q:test")
	_, ok = c.Get("video|q:test")
	assert.False(t, ok)
}

func TestEntriesExpireAfterWrite(t *testing.T) {
	c := New(10*time.Millisecond, 16)
	c.Set("k", source("abc"))

	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}
