package admission

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyt-gateway/work/database"
)

// fakeStore is an in-memory Store for admission tests.
type fakeStore struct {
	mu      sync.Mutex
	keys    map[string]*database.ApiKey
	windows map[int64]database.Windows
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		keys:    make(map[string]*database.ApiKey),
		windows: make(map[int64]database.Windows),
	}
}

func (f *fakeStore) addKey(k *database.ApiKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[k.Key] = k
}

func (f *fakeStore) GetAPIKeyByKey(key string) (*database.ApiKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[key]
	if !ok {
		return nil, database.ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (f *fakeStore) LoadWindows(keyID int64) (database.Windows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windows[keyID], nil
}

func (f *fakeStore) SaveWindows(keyID int64, w database.Windows) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows[keyID] = w
	return nil
}

func testKey(raw string, perMinute, perHour, daily int) *database.ApiKey {
	return &database.ApiKey{
		ID:             1,
		Key:            raw,
		Name:           "test",
		Tier:           "free",
		PerMinuteLimit: perMinute,
		PerHourLimit:   perHour,
		DailyLimit:     daily,
		CreatedAt:      time.Now(),
		ValidUntil:     time.Now().Add(time.Hour),
	}
}

func TestAdmitUnknownKey(t *testing.T) {
	c := NewController(newFakeStore())

	d, err := c.Admit("nope")
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, DenyInvalidKey, d.Reason)

	d, err = c.Admit("")
	require.NoError(t, err)
	assert.Equal(t, DenyInvalidKey, d.Reason)
}

func TestAdmitRevokedAndExpired(t *testing.T) {
	store := newFakeStore()
	revoked := testKey("revoked", 0, 0, 0)
	revoked.Revoked = true
	store.addKey(revoked)

	expired := testKey("expired", 0, 0, 0)
	expired.ID = 2
	expired.ValidUntil = time.Now().Add(-time.Minute)
	store.addKey(expired)

	c := NewController(store)

	d, err := c.Admit("revoked")
	require.NoError(t, err)
	assert.Equal(t, DenyRevoked, d.Reason)

	d, err = c.Admit("expired")
	require.NoError(t, err)
	assert.Equal(t, DenyExpiredKey, d.Reason)
}

func TestAdmitMinuteLimit(t *testing.T) {
	store := newFakeStore()
	store.addKey(testKey("k", 2, 0, 0))
	c := NewController(store)

	for i := 0; i < 2; i++ {
		d, err := c.Admit("k")
		require.NoError(t, err)
		assert.True(t, d.Admitted, "request %d should pass", i+1)
	}

	d, err := c.Admit("k")
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, DenyMinuteLimit, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
}

func TestAdmitWindowRollover(t *testing.T) {
	store := newFakeStore()
	store.addKey(testKey("k", 1, 0, 0))
	c := NewController(store)

	now := time.Date(2026, 8, 31, 12, 0, 30, 0, time.UTC)
	c.now = func() time.Time { return now }

	d, err := c.Admit("k")
	require.NoError(t, err)
	assert.True(t, d.Admitted)

	d, err = c.Admit("k")
	require.NoError(t, err)
	assert.Equal(t, DenyMinuteLimit, d.Reason)

	// cross the wall-clock minute boundary
	now = now.Add(31 * time.Second)
	d, err = c.Admit("k")
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}

func TestAdmitDailyOutlastsMinuteRollover(t *testing.T) {
	store := newFakeStore()
	store.addKey(testKey("k", 0, 0, 2))
	c := NewController(store)

	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		d, err := c.Admit("k")
		require.NoError(t, err)
		assert.True(t, d.Admitted)
		now = now.Add(2 * time.Minute)
	}

	d, err := c.Admit("k")
	require.NoError(t, err)
	assert.Equal(t, DenyDailyLimit, d.Reason)

	// the daily window resets at the next day boundary
	now = time.Date(2026, 9, 1, 0, 0, 1, 0, time.UTC)
	d, err = c.Admit("k")
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}

func TestAdmitConcurrentNeverOvershoots(t *testing.T) {
	const limit = 5
	const attempts = 50

	store := newFakeStore()
	store.addKey(testKey("k", limit, 0, 0))
	c := NewController(store)

	var wg sync.WaitGroup
	results := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := c.Admit("k")
			assert.NoError(t, err)
			results <- d.Admitted
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for ok := range results {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, limit, admitted)
}

func TestUnlimitedTierNeverDenies(t *testing.T) {
	store := newFakeStore()
	store.addKey(testKey("k", 0, 0, 0))
	c := NewController(store)

	for i := 0; i < 100; i++ {
		d, err := c.Admit("k")
		require.NoError(t, err)
		assert.True(t, d.Admitted)
	}
}
