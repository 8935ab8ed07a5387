package resolver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/grafov/m3u8"

	"kyt-gateway/work/logger"
	"kyt-gateway/work/session"
	"kyt-gateway/work/types"
)

// maxVideoHeight caps the variant we deliver. Anything sharper burns
// upstream bandwidth the typical caller never renders.
const maxVideoHeight = 720

// selectFormat picks the best direct format for the requested kind, or ""
// when none fits.
//
// Video policy: highest resolution at or under the cap, progressive
// (audio+video muxed) so the consumer gets one stream. Audio policy: highest
// bitrate audio-only format.
func selectFormat(formats []formatEntry, kind types.MediaKind) string {
	var best formatEntry

	for _, f := range formats {
		if f.URL == "" {
			continue
		}
		switch kind {
		case types.MediaVideo:
			if !f.HasVideo || !f.HasAudio || f.Height > maxVideoHeight {
				continue
			}
			if f.Height > best.Height || (f.Height == best.Height && f.Bitrate > best.Bitrate) {
				best = f
			}
		case types.MediaAudio:
			if f.HasVideo || !f.HasAudio {
				continue
			}
			if f.Bitrate > best.Bitrate {
				best = f
			}
		}
	}

	return best.URL
}

// selectHLSVariant fetches a master playlist and returns the absolute URI of
// the best variant at or under the resolution cap. A media (non-master)
// playlist is already a single variant and is returned as-is.
func (r *Resolver) selectHLSVariant(ctx context.Context, sess *session.Session, manifestURL string) (string, error) {
	r.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", session.ErrUpstreamUnavailable, err)
	}
	sess.Apply(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", session.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: manifest fetch returned status %d", session.ErrUpstreamUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading manifest: %v", session.ErrUpstreamUnavailable, err)
	}

	playlist, listType, err := m3u8.Decode(*bytes.NewBuffer(body), true)
	if err != nil {
		return "", fmt.Errorf("%w: parsing manifest: %v", session.ErrUpstreamUnavailable, err)
	}

	if listType != m3u8.MASTER {
		return manifestURL, nil
	}

	master := playlist.(*m3u8.MasterPlaylist)
	chosen := pickVariant(master.Variants)
	if chosen == nil {
		return "", fmt.Errorf("%w: master playlist offered no usable variant", ErrBlocked)
	}

	resolved, err := resolveVariantURI(manifestURL, chosen.URI)
	if err != nil {
		return "", fmt.Errorf("%w: variant uri: %v", session.ErrUpstreamUnavailable, err)
	}

	logger.Debug("{resolver - selectHLSVariant} Chose variant %s (%d kbps)", chosen.Resolution, chosen.Bandwidth/1000)
	return resolved, nil
}

// pickVariant prefers the highest bandwidth variant whose advertised height
// stays within the cap; when every variant exceeds the cap (or none declare a
// resolution), it settles for the lowest bandwidth one.
func pickVariant(variants []*m3u8.Variant) *m3u8.Variant {
	var capped, floor *m3u8.Variant

	for _, v := range variants {
		if v == nil || v.URI == "" {
			continue
		}
		if floor == nil || v.Bandwidth < floor.Bandwidth {
			floor = v
		}
		if h := variantHeight(v.Resolution); h > 0 && h <= maxVideoHeight {
			if capped == nil || v.Bandwidth > capped.Bandwidth {
				capped = v
			}
		}
	}

	if capped != nil {
		return capped
	}
	return floor
}

// variantHeight parses the height out of a WxH resolution attribute.
func variantHeight(resolution string) int {
	var w, h int
	if _, err := fmt.Sscanf(resolution, "%dx%d", &w, &h); err != nil {
		return 0
	}
	return h
}

// resolveVariantURI absolutizes a variant URI against the manifest URL.
func resolveVariantURI(manifestURL, uri string) (string, error) {
	ref, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return uri, nil
	}
	base, err := url.Parse(manifestURL)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
