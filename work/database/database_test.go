package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndFetchAPIKey(t *testing.T) {
	db := openTestDB(t)

	created, err := db.CreateAPIKey("alice", "standard", false, 30, 500, 1000, 30*24*time.Hour, 0)
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.NotEmpty(t, created.Key)

	fetched, err := db.GetAPIKeyByKey(created.Key)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, "alice", fetched.Name)
	assert.Equal(t, "standard", fetched.Tier)
	assert.Equal(t, 30, fetched.PerMinuteLimit)
	assert.Equal(t, 1000, fetched.DailyLimit)
	assert.False(t, fetched.Revoked)
	assert.False(t, fetched.Expired())
}

func TestGetAPIKeyByKeyNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetAPIKeyByKey("does-not-exist")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRevokeAPIKey(t *testing.T) {
	db := openTestDB(t)

	k, err := db.CreateAPIKey("bob", "free", false, 10, 100, 100, time.Hour, 0)
	require.NoError(t, err)

	require.NoError(t, db.RevokeAPIKey(k.ID))

	fetched, err := db.GetAPIKey(k.ID)
	require.NoError(t, err)
	assert.True(t, fetched.Revoked, "revocation flags the row, never deletes it")
}

func TestRevokeAdminKeyRefused(t *testing.T) {
	db := openTestDB(t)

	k, err := db.CreateAPIKey("root", "unlimited", true, 0, 0, 0, time.Hour, 0)
	require.NoError(t, err)
	assert.Error(t, db.RevokeAPIKey(k.ID))
}

func TestSeedAdminKeyIdempotent(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SeedAdminKey("bootstrap-admin-key"))
	require.NoError(t, db.SeedAdminKey("bootstrap-admin-key"))
	require.NoError(t, db.SeedAdminKey("different-key")) // existing admin wins

	keys, err := db.ListAPIKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "bootstrap-admin-key", keys[0].Key)
	assert.True(t, keys[0].IsAdmin)
}

func TestWindowsRoundTrip(t *testing.T) {
	db := openTestDB(t)

	k, err := db.CreateAPIKey("carol", "free", false, 10, 100, 100, time.Hour, 0)
	require.NoError(t, err)

	// never charged: zero value
	w, err := db.LoadWindows(k.ID)
	require.NoError(t, err)
	assert.Zero(t, w.MinuteCount)

	now := time.Now().Truncate(time.Second)
	saved := Windows{
		MinuteCount: 3, MinuteReset: now.Add(time.Minute),
		HourCount: 7, HourReset: now.Add(time.Hour),
		DayCount: 11, DayReset: now.Add(24 * time.Hour),
	}
	require.NoError(t, db.SaveWindows(k.ID, saved))
	// upsert path
	saved.MinuteCount = 4
	require.NoError(t, db.SaveWindows(k.ID, saved))

	loaded, err := db.LoadWindows(k.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.MinuteCount)
	assert.Equal(t, 7, loaded.HourCount)
	assert.Equal(t, 11, loaded.DayCount)
	assert.WithinDuration(t, saved.DayReset, loaded.DayReset, time.Second)
}

func TestUsageRecordsAndMetrics(t *testing.T) {
	db := openTestDB(t)

	k, err := db.CreateAPIKey("dave", "free", false, 10, 100, 100, time.Hour, 0)
	require.NoError(t, err)

	id1, err := db.InsertUsageRecord(k.ID, "some query", "ok", 200, "10.0.0.1:1234")
	require.NoError(t, err)
	_, err = db.InsertUsageRecord(k.ID, "bad query", "not_found", 404, "10.0.0.1:1234")
	require.NoError(t, err)

	require.NoError(t, db.SetRecordBytes(id1, 1048576))

	records, err := db.RecentRecords(10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "dave", records[0].KeyName)

	var ok *UsageRecord
	for i := range records {
		if records[i].Outcome == "ok" {
			ok = &records[i]
		}
	}
	require.NotNil(t, ok)
	assert.Equal(t, int64(1048576), ok.BytesServed)

	m, err := db.UsageMetrics()
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.TotalRequests)
	assert.Equal(t, int64(2), m.TodayRequests)
	assert.Equal(t, int64(1), m.ActiveKeys)
	assert.InDelta(t, 50.0, m.ErrorRate, 0.01)
}

func TestRecentRecordsLimitClamp(t *testing.T) {
	db := openTestDB(t)

	k, err := db.CreateAPIKey("erin", "free", false, 10, 100, 100, time.Hour, 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := db.InsertUsageRecord(k.ID, "q", "ok", 200, "")
		require.NoError(t, err)
	}

	records, err := db.RecentRecords(3)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	records, err = db.RecentRecords(-1)
	require.NoError(t, err)
	assert.Len(t, records, 5) // default limit of 50 covers all rows
}
