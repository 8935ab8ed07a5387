package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"kyt-gateway/work/logger"
	"kyt-gateway/work/utils"
)

// ErrKeyNotFound is returned when no API key row matches a lookup.
var ErrKeyNotFound = errors.New("api key not found")

// ApiKey mirrors one row of the api_keys table. Rows are never deleted;
// revocation flips the flag so the usage audit trail stays intact.
type ApiKey struct {
	ID             int64     `json:"id"`
	Key            string    `json:"key"`
	Name           string    `json:"name"`
	Tier           string    `json:"tier"`
	IsAdmin        bool      `json:"is_admin"`
	PerMinuteLimit int       `json:"per_minute_limit"`
	PerHourLimit   int       `json:"per_hour_limit"`
	DailyLimit     int       `json:"daily_limit"`
	CreatedAt      time.Time `json:"created_at"`
	ValidUntil     time.Time `json:"valid_until"`
	CreatedBy      int64     `json:"created_by,omitempty"`
	Revoked        bool      `json:"revoked"`
}

// Expired reports whether the key's validity window has passed.
func (k *ApiKey) Expired() bool {
	return time.Now().After(k.ValidUntil)
}

const apiKeyColumns = `id, key, name, tier, is_admin, per_minute_limit, per_hour_limit, daily_limit, created_at, valid_until, COALESCE(created_by, 0), revoked`

func scanAPIKey(row interface{ Scan(...any) error }) (*ApiKey, error) {
	var k ApiKey
	err := row.Scan(&k.ID, &k.Key, &k.Name, &k.Tier, &k.IsAdmin, &k.PerMinuteLimit,
		&k.PerHourLimit, &k.DailyLimit, &k.CreatedAt, &k.ValidUntil, &k.CreatedBy, &k.Revoked)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// CreateAPIKey inserts a new key row and returns it with the generated id and
// key material filled in.
func (db *DB) CreateAPIKey(name, tier string, isAdmin bool, perMinute, perHour, daily int, validFor time.Duration, createdBy int64) (*ApiKey, error) {
	key := &ApiKey{
		Key:            utils.RandomToken(32),
		Name:           name,
		Tier:           tier,
		IsAdmin:        isAdmin,
		PerMinuteLimit: perMinute,
		PerHourLimit:   perHour,
		DailyLimit:     daily,
		CreatedAt:      time.Now(),
		ValidUntil:     time.Now().Add(validFor),
		CreatedBy:      createdBy,
	}

	var creator any
	if createdBy > 0 {
		creator = createdBy
	}

	res, err := db.Exec(`INSERT INTO api_keys
		(key, name, tier, is_admin, per_minute_limit, per_hour_limit, daily_limit, created_at, valid_until, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.Key, key.Name, key.Tier, key.IsAdmin, key.PerMinuteLimit, key.PerHourLimit,
		key.DailyLimit, key.CreatedAt, key.ValidUntil, creator)
	if err != nil {
		return nil, fmt.Errorf("failed to insert api key: %w", err)
	}

	key.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}

	logger.Info("{database - CreateAPIKey} Created key '%s' (tier %s, admin %v)", name, tier, isAdmin)
	return key, nil
}

// GetAPIKeyByKey looks up a key row by its raw key material.
func (db *DB) GetAPIKeyByKey(raw string) (*ApiKey, error) {
	row := db.QueryRow(`SELECT `+apiKeyColumns+` FROM api_keys WHERE key = ?`, raw)
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// GetAPIKey looks up a key row by id.
func (db *DB) GetAPIKey(id int64) (*ApiKey, error) {
	row := db.QueryRow(`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id)
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// ListAPIKeys returns every key row, newest first.
func (db *DB) ListAPIKeys() ([]*ApiKey, error) {
	rows, err := db.Query(`SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*ApiKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey flags a key as revoked. Admin keys cannot be revoked through
// this path; the row itself is never deleted.
func (db *DB) RevokeAPIKey(id int64) error {
	key, err := db.GetAPIKey(id)
	if err != nil {
		return err
	}
	if key.IsAdmin {
		return errors.New("cannot revoke admin keys")
	}

	_, err = db.Exec(`UPDATE api_keys SET revoked = 1 WHERE id = ?`, id)
	if err == nil {
		logger.Info("{database - RevokeAPIKey} Revoked key id %d (%s)", id, key.Name)
	}
	return err
}

// SeedAdminKey creates the bootstrap admin key when no admin key exists yet.
// Idempotent across restarts.
func (db *DB) SeedAdminKey(raw string) error {
	if raw == "" {
		return nil
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM api_keys WHERE is_admin = 1`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	_, err := db.Exec(`INSERT INTO api_keys
		(key, name, tier, is_admin, per_minute_limit, per_hour_limit, daily_limit, created_at, valid_until)
		VALUES (?, 'Default Admin', 'unlimited', 1, 0, 0, 0, ?, ?)`,
		raw, time.Now(), time.Now().Add(10*365*24*time.Hour))
	if err != nil {
		return fmt.Errorf("failed to seed admin key: %w", err)
	}

	logger.Info("{database - SeedAdminKey} Seeded bootstrap admin key")
	return nil
}
