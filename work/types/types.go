package types

import (
	"time"
)

// MediaKind identifies which rendition of a resolved source a client asked for.
// The gateway resolves audio and video renditions independently because the
// upstream serves them from different format pools with different URL lifetimes.
type MediaKind int

// Supported media kinds. The zero value is audio, matching the default of the
// public API (video must be requested explicitly with media=video).
const (
	MediaAudio MediaKind = iota
	MediaVideo
)

// String returns the canonical lowercase name used in cache keys and queries.
func (k MediaKind) String() string {
	if k == MediaVideo {
		return "video"
	}
	return "audio"
}

// Label returns the display form used in API responses ("Audio"/"Video").
func (k MediaKind) Label() string {
	if k == MediaVideo {
		return "Video"
	}
	return "Audio"
}

// ContentType returns the MIME type sent on ticket redemption responses.
func (k MediaKind) ContentType() string {
	if k == MediaVideo {
		return "video/mp4"
	}
	return "audio/mp4"
}

// ParseMediaKind maps the media query parameter onto a MediaKind. Anything
// other than an explicit video request selects audio.
func ParseMediaKind(s string) MediaKind {
	switch s {
	case "video", "Video", "true":
		return MediaVideo
	default:
		return MediaAudio
	}
}

// ResolvedSource is the outcome of one upstream resolution: the metadata shown
// to the client plus the playable URL for the requested media kind. Instances
// are immutable after creation; the resolver caches them per (query, kind) with
// a short TTL and they are never persisted beyond process lifetime.
type ResolvedSource struct {
	ID           string    `json:"id"`            // Upstream source identifier (11-char video id)
	Title        string    `json:"title"`         // Display title
	Channel      string    `json:"channel"`       // Uploader/channel name
	Duration     int64     `json:"duration"`      // Duration in seconds
	DurationText string    `json:"duration_text"` // Human-readable duration (e.g. "4:33")
	Views        int64     `json:"views"`         // View count at resolution time
	Thumbnail    string    `json:"thumbnail"`     // Best available thumbnail URL
	Link         string    `json:"link"`          // Canonical upstream watch URL
	PlayableURL  string    `json:"-"`             // Direct media URL; never exposed to clients
	Kind         MediaKind `json:"-"`             // Which rendition PlayableURL carries
	ResolvedAt   time.Time `json:"-"`             // When the resolution completed
}

// WatchURL builds the canonical upstream watch link for a source id.
func WatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}
