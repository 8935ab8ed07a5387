package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/ratelimit"

	"kyt-gateway/work/cache"
	"kyt-gateway/work/client"
	"kyt-gateway/work/config"
	"kyt-gateway/work/logger"
	"kyt-gateway/work/session"
	"kyt-gateway/work/types"
	"kyt-gateway/work/utils"
)

// Resolution failure taxonomy. NotFound and Blocked are caller errors (the
// content, not the gateway, is the problem); AuthRejected means the upstream
// refused our session and the refresher has been signaled.
var (
	ErrNotFound     = errors.New("no source matched the query")
	ErrBlocked      = errors.New("source exists but is not deliverable")
	ErrAuthRejected = errors.New("upstream rejected the session during resolution")
)

// SessionSource is the slice of the session refresher the resolver needs:
// a usable session to present, and a way to report that the upstream
// rejected it.
type SessionSource interface {
	UsableSession() (*session.Session, error)
	SignalRejected()
}

// Resolver turns a caller query into a ResolvedSource with a playable URL.
// Upstream traffic is bounded three ways: a TTL cache absorbs repeats, a
// singleflight group collapses concurrent identical misses to one producer,
// and a worker pool plus rate limiter cap what actually goes upstream.
type Resolver struct {
	cfg      *config.Config
	client   *client.HeaderSettingClient
	sessions SessionSource
	cache    *cache.ResolveCache
	dedup    *Deduplicator
	pool     *ants.Pool
	limiter  ratelimit.Limiter
}

// New builds a resolver around an already-running worker pool.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, sessions SessionSource, rc *cache.ResolveCache, pool *ants.Pool) *Resolver {
	return &Resolver{
		cfg:      cfg,
		client:   httpClient,
		sessions: sessions,
		cache:    rc,
		dedup:    NewDeduplicator(),
		pool:     pool,
		limiter:  ratelimit.New(cfg.UpstreamRatePerSec),
	}
}

// Resolve returns the source for a query, from cache when fresh. Identical
// concurrent misses share one upstream resolution; the losers get the
// winner's result (or its error).
func (r *Resolver) Resolve(ctx context.Context, rawQuery string, kind types.MediaKind) (*types.ResolvedSource, error) {
	key := kind.String() + "|" + utils.NormalizeQuery(rawQuery)

	if src, ok := r.cache.Get(key); ok {
		return src, nil
	}

	src, shared, err := r.dedup.Do(ctx, key, func() (*types.ResolvedSource, error) {
		// Losers of the singleflight race may have queued behind a fill
		// that already landed.
		if src, ok := r.cache.Get(key); ok {
			return src, nil
		}
		src, err := r.resolveOnPool(ctx, rawQuery, kind)
		if err != nil {
			return nil, err
		}
		r.cache.Set(key, src)
		return src, nil
	})
	if err != nil {
		// A rejection taints anything cached under this key too.
		if errors.Is(err, ErrAuthRejected) {
			r.cache.Invalidate(key)
		}
		return nil, err
	}
	if shared {
		logger.Debug("{resolver - Resolve} Coalesced duplicate resolution for %q", key)
	}
	return src, nil
}

// InvalidateQuery drops the cached entry for a query, for when a consumer
// discovers the playable URL died before its TTL.
func (r *Resolver) InvalidateQuery(rawQuery string, kind types.MediaKind) {
	r.cache.Invalidate(kind.String() + "|" + utils.NormalizeQuery(rawQuery))
}

// resolveOnPool runs one resolution on the bounded worker pool so a burst of
// distinct queries cannot open unbounded upstream connections.
func (r *Resolver) resolveOnPool(ctx context.Context, rawQuery string, kind types.MediaKind) (*types.ResolvedSource, error) {
	type result struct {
		src *types.ResolvedSource
		err error
	}
	done := make(chan result, 1)

	if err := r.pool.Submit(func() {
		src, err := r.resolve(ctx, rawQuery, kind)
		done <- result{src, err}
	}); err != nil {
		return nil, fmt.Errorf("%w: worker pool: %v", session.ErrUpstreamUnavailable, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.src, res.err
	}
}

func (r *Resolver) resolve(ctx context.Context, rawQuery string, kind types.MediaKind) (*types.ResolvedSource, error) {
	sess, err := r.sessions.UsableSession()
	if err != nil {
		return nil, err
	}

	videoID, meta, err := r.locate(ctx, sess, rawQuery)
	if err != nil {
		return nil, err
	}

	playable, streamKind, err := r.player(ctx, sess, videoID, kind)
	if err != nil {
		return nil, err
	}

	src := &types.ResolvedSource{
		ID:           videoID,
		Title:        meta.Title,
		Channel:      meta.Channel,
		Duration:     meta.Duration,
		DurationText: utils.FormatDuration(meta.Duration),
		Views:        meta.Views,
		Thumbnail:    meta.Thumbnail,
		Link:         types.WatchURL(videoID),
		PlayableURL:  playable,
		Kind:         streamKind,
		ResolvedAt:   time.Now(),
	}

	logger.Debug("{resolver - resolve} Resolved %q to %s (%s)", rawQuery, videoID, streamKind.Label())
	return src, nil
}

type searchResult struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Channel   string `json:"channel"`
	Duration  int64  `json:"duration_seconds"`
	Views     int64  `json:"views"`
	Thumbnail string `json:"thumbnail"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

// locate maps a query to a concrete source id plus display metadata. A query
// that already names an id (bare, watch URL, or embed URL) skips the search
// round-trip but still fetches metadata through the same endpoint.
func (r *Resolver) locate(ctx context.Context, sess *session.Session, rawQuery string) (string, searchResult, error) {
	params := url.Values{}
	if id := utils.ExtractVideoID(rawQuery); id != "" {
		params.Set("id", id)
	} else {
		params.Set("query", rawQuery)
	}
	params.Set("limit", "1")

	var parsed searchResponse
	if err := r.getJSON(ctx, sess, r.cfg.UpstreamSearchURL+"?"+params.Encode(), &parsed); err != nil {
		return "", searchResult{}, err
	}

	if len(parsed.Results) == 0 || parsed.Results[0].ID == "" {
		return "", searchResult{}, ErrNotFound
	}
	return parsed.Results[0].ID, parsed.Results[0], nil
}

type formatEntry struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Height   int    `json:"height"`
	Bitrate  int    `json:"bitrate"`
	HasVideo bool   `json:"has_video"`
	HasAudio bool   `json:"has_audio"`
}

type playerResponse struct {
	Playable    bool          `json:"playable"`
	Reason      string        `json:"reason"`
	Formats     []formatEntry `json:"formats"`
	HLSManifest string        `json:"hls_manifest"`
}

// player fetches the format list for an id and picks the delivery variant.
func (r *Resolver) player(ctx context.Context, sess *session.Session, videoID string, kind types.MediaKind) (string, types.MediaKind, error) {
	params := url.Values{}
	params.Set("id", videoID)

	var parsed playerResponse
	if err := r.getJSON(ctx, sess, r.cfg.UpstreamPlayerURL+"?"+params.Encode(), &parsed); err != nil {
		return "", kind, err
	}

	if !parsed.Playable {
		logger.Warn("{resolver - player} Source %s not deliverable: %s", videoID, parsed.Reason)
		return "", kind, fmt.Errorf("%w: %s", ErrBlocked, parsed.Reason)
	}

	if u := selectFormat(parsed.Formats, kind); u != "" {
		return u, kind, nil
	}

	// No direct format fit; fall back to the HLS master playlist when the
	// upstream offers one.
	if parsed.HLSManifest != "" && kind == types.MediaVideo {
		u, err := r.selectHLSVariant(ctx, sess, parsed.HLSManifest)
		if err != nil {
			return "", kind, err
		}
		return u, kind, nil
	}

	return "", kind, fmt.Errorf("%w: no %s format offered", ErrBlocked, kind.Label())
}

// getJSON performs one rate-limited, session-bearing upstream GET and decodes
// the body. A 401/403 here means the session died mid-use: the refresher gets
// signaled and the caller sees ErrAuthRejected.
func (r *Resolver) getJSON(ctx context.Context, sess *session.Session, rawURL string, out any) error {
	r.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrUpstreamUnavailable, err)
	}
	sess.Apply(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		r.sessions.SignalRejected()
		return ErrAuthRejected
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: upstream returned status %d for %s",
			session.ErrUpstreamUnavailable, resp.StatusCode, utils.LogURL(r.cfg, rawURL))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", session.ErrUpstreamUnavailable, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", session.ErrUpstreamUnavailable, err)
	}
	return nil
}
