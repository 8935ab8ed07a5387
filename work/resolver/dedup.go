package resolver

import (
	"context"

	"golang.org/x/sync/singleflight"

	"kyt-gateway/work/types"
)

// Deduplicator collapses concurrent resolutions of the same normalized query
// into a single upstream producer. Followers block until the winner finishes
// and share its result; a follower whose own context dies detaches without
// cancelling the shared work.
type Deduplicator struct {
	group singleflight.Group
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{}
}

// Do runs fn once per key across concurrent callers. The bool reports whether
// this caller shared another caller's flight.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func() (*types.ResolvedSource, error)) (*types.ResolvedSource, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn()
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*types.ResolvedSource), res.Shared, nil
	}
}

// Forget drops the in-flight entry for a key so the next caller starts a
// fresh producer instead of joining a doomed one.
func (d *Deduplicator) Forget(key string) {
	d.group.Forget(key)
}
