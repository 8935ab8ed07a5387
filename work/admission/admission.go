package admission

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"kyt-gateway/work/database"
	"kyt-gateway/work/logger"
	"kyt-gateway/work/metrics"
)

// DenyReason says why a request was turned away.
type DenyReason string

const (
	DenyInvalidKey  DenyReason = "invalid_key"
	DenyRevoked     DenyReason = "revoked"
	DenyExpiredKey  DenyReason = "expired_key"
	DenyMinuteLimit DenyReason = "minute_limit"
	DenyHourLimit   DenyReason = "hour_limit"
	DenyDailyLimit  DenyReason = "daily_limit"
)

// Decision is the outcome of one admission check. When admitted, Key carries
// the authenticated key row; when denied on a rate window, RetryAfter says
// how long until that window resets.
type Decision struct {
	Admitted   bool
	Key        *database.ApiKey
	Reason     DenyReason
	RetryAfter time.Duration
}

// Store is what admission needs from persistence. *database.DB satisfies it;
// tests substitute an in-memory fake.
type Store interface {
	GetAPIKeyByKey(key string) (*database.ApiKey, error)
	LoadWindows(keyID int64) (database.Windows, error)
	SaveWindows(keyID int64, w database.Windows) error
}

// Controller admits or denies requests per key against three fixed windows
// (minute, hour, day). Counters live in the store so limits survive a
// restart; a per-key mutex makes each check-and-increment atomic, so two
// racing requests can never both squeeze into the last slot of a window.
type Controller struct {
	store Store
	locks *xsync.MapOf[int64, *sync.Mutex]

	// now is a test seam for window rollover.
	now func() time.Time
}

func NewController(store Store) *Controller {
	return &Controller{
		store: store,
		locks: xsync.NewMapOf[int64, *sync.Mutex](),
		now:   time.Now,
	}
}

// Admit authenticates the presented key and charges one request against its
// windows. Checks run cheapest-reset first (minute, then hour, then day); a
// deny on any window charges nothing.
func (c *Controller) Admit(rawKey string) (Decision, error) {
	if rawKey == "" {
		metrics.AdmissionDenials.WithLabelValues(string(DenyInvalidKey)).Inc()
		return Decision{Reason: DenyInvalidKey}, nil
	}

	key, err := c.store.GetAPIKeyByKey(rawKey)
	if err == database.ErrKeyNotFound {
		metrics.AdmissionDenials.WithLabelValues(string(DenyInvalidKey)).Inc()
		return Decision{Reason: DenyInvalidKey}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	if key.Revoked {
		metrics.AdmissionDenials.WithLabelValues(string(DenyRevoked)).Inc()
		return Decision{Reason: DenyRevoked}, nil
	}
	if key.Expired() {
		metrics.AdmissionDenials.WithLabelValues(string(DenyExpiredKey)).Inc()
		return Decision{Reason: DenyExpiredKey}, nil
	}

	lock, _ := c.locks.LoadOrCompute(key.ID, func() *sync.Mutex { return &sync.Mutex{} })
	lock.Lock()
	defer lock.Unlock()

	windows, err := c.store.LoadWindows(key.ID)
	if err != nil {
		return Decision{}, err
	}

	now := c.now()
	rollWindows(&windows, now)

	if d, denied := checkWindow(key.PerMinuteLimit, windows.MinuteCount, windows.MinuteReset, now, DenyMinuteLimit); denied {
		return d, nil
	}
	if d, denied := checkWindow(key.PerHourLimit, windows.HourCount, windows.HourReset, now, DenyHourLimit); denied {
		return d, nil
	}
	if d, denied := checkWindow(key.DailyLimit, windows.DayCount, windows.DayReset, now, DenyDailyLimit); denied {
		return d, nil
	}

	windows.MinuteCount++
	windows.HourCount++
	windows.DayCount++
	if err := c.store.SaveWindows(key.ID, windows); err != nil {
		return Decision{}, err
	}

	logger.Debug("{admission - Admit} Key %s admitted (%d/%d today)", key.Name, windows.DayCount, key.DailyLimit)
	return Decision{Admitted: true, Key: key}, nil
}

// rollWindows lazily resets any window whose boundary has passed. Reset
// timestamps are anchored to wall-clock boundaries, not to first use, so two
// keys created at different times still roll over together.
func rollWindows(w *database.Windows, now time.Time) {
	if !now.Before(w.MinuteReset) {
		w.MinuteCount = 0
		w.MinuteReset = now.Truncate(time.Minute).Add(time.Minute)
	}
	if !now.Before(w.HourReset) {
		w.HourCount = 0
		w.HourReset = now.Truncate(time.Hour).Add(time.Hour)
	}
	if !now.Before(w.DayReset) {
		w.DayCount = 0
		w.DayReset = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}

// checkWindow denies when a finite limit is already consumed. Limit 0 means
// unlimited.
func checkWindow(limit, count int, reset time.Time, now time.Time, reason DenyReason) (Decision, bool) {
	if limit <= 0 || count < limit {
		return Decision{}, false
	}
	retry := reset.Sub(now)
	if retry < 0 {
		retry = 0
	}
	metrics.AdmissionDenials.WithLabelValues(string(reason)).Inc()
	return Decision{Reason: reason, RetryAfter: retry}, true
}
