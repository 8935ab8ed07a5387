package database

import (
	"database/sql"
	"errors"
	"time"
)

// Windows holds the three admission window counters for one API key, each
// paired with the timestamp at which it resets. The zero value (all counts
// zero, all resets in the past) is a valid starting state.
type Windows struct {
	MinuteCount int
	MinuteReset time.Time
	HourCount   int
	HourReset   time.Time
	DayCount    int
	DayReset    time.Time
}

// UsageRecord is one append-only audit row: who asked for what, what came of
// it, and how many bytes were ultimately served.
type UsageRecord struct {
	ID          int64     `json:"id"`
	ApiKeyID    int64     `json:"api_key_id"`
	KeyName     string    `json:"key_name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Query       string    `json:"query"`
	Outcome     string    `json:"outcome"`
	Status      int       `json:"status"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	BytesServed int64     `json:"bytes_served"`
}

// Metrics aggregates the numbers the admin usage endpoint reports.
type Metrics struct {
	TotalRequests int64   `json:"total_requests"`
	TodayRequests int64   `json:"today_requests"`
	ActiveKeys    int64   `json:"active_keys"`
	ErrorRate     float64 `json:"error_rate"`
}

// LoadWindows returns the persisted window counters for a key, or the zero
// value when the key has never been charged.
func (db *DB) LoadWindows(keyID int64) (Windows, error) {
	var w Windows
	err := db.QueryRow(`SELECT minute_count, minute_reset, hour_count, hour_reset, day_count, day_reset
		FROM usage_windows WHERE api_key_id = ?`, keyID).
		Scan(&w.MinuteCount, &w.MinuteReset, &w.HourCount, &w.HourReset, &w.DayCount, &w.DayReset)
	if errors.Is(err, sql.ErrNoRows) {
		return Windows{}, nil
	}
	return w, err
}

// SaveWindows upserts the window counters for a key. Callers serialize per
// key; this write-through only provides durability across restarts.
func (db *DB) SaveWindows(keyID int64, w Windows) error {
	_, err := db.Exec(`INSERT INTO usage_windows
		(api_key_id, minute_count, minute_reset, hour_count, hour_reset, day_count, day_reset)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(api_key_id) DO UPDATE SET
			minute_count = excluded.minute_count, minute_reset = excluded.minute_reset,
			hour_count = excluded.hour_count, hour_reset = excluded.hour_reset,
			day_count = excluded.day_count, day_reset = excluded.day_reset`,
		keyID, w.MinuteCount, w.MinuteReset, w.HourCount, w.HourReset, w.DayCount, w.DayReset)
	return err
}

// InsertUsageRecord appends one audit row and returns its id so the streamer
// can attach the byte count once the transfer settles.
func (db *DB) InsertUsageRecord(keyID int64, query, outcome string, status int, remoteAddr string) (int64, error) {
	res, err := db.Exec(`INSERT INTO usage_records (api_key_id, timestamp, query, outcome, status, remote_addr)
		VALUES (?, ?, ?, ?, ?, ?)`,
		keyID, time.Now(), query, outcome, status, remoteAddr)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetRecordBytes stores the served byte count on an existing record.
func (db *DB) SetRecordBytes(recordID, bytes int64) error {
	_, err := db.Exec(`UPDATE usage_records SET bytes_served = ? WHERE id = ?`, bytes, recordID)
	return err
}

// RecentRecords returns the newest audit rows joined with the key name.
func (db *DB) RecentRecords(limit int) ([]UsageRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := db.Query(`SELECT r.id, r.api_key_id, k.name, r.timestamp, COALESCE(r.query, ''),
			r.outcome, r.status, COALESCE(r.remote_addr, ''), r.bytes_served
		FROM usage_records r JOIN api_keys k ON k.id = r.api_key_id
		ORDER BY r.timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var rec UsageRecord
		if err := rows.Scan(&rec.ID, &rec.ApiKeyID, &rec.KeyName, &rec.Timestamp, &rec.Query,
			&rec.Outcome, &rec.Status, &rec.RemoteAddr, &rec.BytesServed); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UsageMetrics computes the aggregate numbers for the admin usage endpoint.
func (db *DB) UsageMetrics() (Metrics, error) {
	var m Metrics

	if err := db.QueryRow(`SELECT COUNT(*) FROM usage_records`).Scan(&m.TotalRequests); err != nil {
		return m, err
	}

	todayStart := time.Now().Truncate(24 * time.Hour)
	if err := db.QueryRow(`SELECT COUNT(*) FROM usage_records WHERE timestamp >= ?`, todayStart).Scan(&m.TodayRequests); err != nil {
		return m, err
	}

	if err := db.QueryRow(`SELECT COUNT(*) FROM api_keys WHERE revoked = 0 AND valid_until >= ?`, time.Now()).Scan(&m.ActiveKeys); err != nil {
		return m, err
	}

	var errorCount int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM usage_records WHERE status >= 400`).Scan(&errorCount); err != nil {
		return m, err
	}
	if m.TotalRequests > 0 {
		m.ErrorRate = float64(errorCount) / float64(m.TotalRequests) * 100
	}

	return m, nil
}
