package ticket

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"kyt-gateway/work/logger"
	"kyt-gateway/work/types"
	"kyt-gateway/work/utils"
)

// Redemption failure taxonomy. NotFound covers ids that never existed or
// were already swept; Expired covers ids the registry still remembers but
// whose TTL has passed. Callers map these to 404 and 410 respectively.
var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrTicketExpired  = errors.New("ticket expired")
)

// Ticket is one short-lived grant to pull a resolved source through the
// gateway without re-presenting the API key. The id is the whole capability.
type Ticket struct {
	ID        string
	KeyID     int64
	RecordID  int64
	Source    *types.ResolvedSource
	IssuedAt  time.Time
	ExpiresAt time.Time

	// consumed flips on first redemption. Redemption stays valid for the
	// rest of the TTL (players seek and reconnect), the flag just marks
	// first use for diagnostics.
	consumed atomic.Bool
}

// Expired reports whether the ticket's TTL has passed.
func (t *Ticket) Expired() bool {
	return time.Now().After(t.ExpiresAt)
}

// Consumed reports whether the ticket has been redeemed at least once.
func (t *Ticket) Consumed() bool {
	return t.consumed.Load()
}

// Registry holds outstanding tickets. Lookups check expiry lazily; a sweep
// loop reclaims expired entries so abandoned tickets do not pile up, while
// keeping recently expired ids around long enough to answer 410 instead
// of 404.
type Registry struct {
	ttl     time.Duration
	tickets *xsync.MapOf[string, *Ticket]
}

// NewRegistry builds a registry issuing tickets with the given TTL.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		ttl:     ttl,
		tickets: xsync.NewMapOf[string, *Ticket](),
	}
}

// Issue mints a ticket for a resolved source, bound to the admitting key and
// its audit record.
func (r *Registry) Issue(src *types.ResolvedSource, keyID, recordID int64) *Ticket {
	now := time.Now()
	t := &Ticket{
		ID:        utils.RandomToken(24),
		KeyID:     keyID,
		RecordID:  recordID,
		Source:    src,
		IssuedAt:  now,
		ExpiresAt: now.Add(r.ttl),
	}
	r.tickets.Store(t.ID, t)

	logger.Debug("{ticket - Issue} Issued ticket for %s, expires %s", src.ID, t.ExpiresAt.Format(time.RFC3339))
	return t
}

// Redeem looks up a ticket for streaming. Expiry is a hard boundary: a
// redemption one second late fails even if the underlying source URL would
// still work.
func (r *Registry) Redeem(id string) (*Ticket, error) {
	t, ok := r.tickets.Load(id)
	if !ok {
		return nil, ErrTicketNotFound
	}
	if t.Expired() {
		return nil, ErrTicketExpired
	}
	t.consumed.Store(true)
	return t, nil
}

// Len returns the number of tickets currently held, expired or not.
func (r *Registry) Len() int {
	return r.tickets.Size()
}

// StartSweeper runs periodic reclamation until the context ends. Expired
// tickets linger one extra grace interval so late redeemers still learn the
// difference between "expired" and "never existed".
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(interval)
			}
		}
	}()
}

func (r *Registry) sweep(grace time.Duration) {
	cutoff := time.Now().Add(-grace)
	removed := 0

	r.tickets.Range(func(id string, t *Ticket) bool {
		if t.ExpiresAt.Before(cutoff) {
			r.tickets.Delete(id)
			removed++
		}
		return true
	})

	if removed > 0 {
		logger.Debug("{ticket - sweep} Reclaimed %d expired tickets, %d outstanding", removed, r.tickets.Size())
	}
}
