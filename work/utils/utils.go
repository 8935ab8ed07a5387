package utils

import (
	"net/url"
	"strings"

	"github.com/grafana/regexp"

	"kyt-gateway/work/config"
)

// Upstream URL and identifier recognition patterns. Compiled once; the
// resolver calls these on every request.
var (
	videoIDRegex  = regexp.MustCompile(`^[0-9A-Za-z_-]{11}$`)
	watchIDRegex  = regexp.MustCompile(`(?:v=|/)([0-9A-Za-z_-]{11})(?:[?&#].*)?$`)
	embedIDRegex  = regexp.MustCompile(`(?:embed/)([0-9A-Za-z_-]{11})`)
	upstreamRegex = regexp.MustCompile(`^(?:https?://)?(?:www\.|m\.)?(?:youtube\.com/(?:watch\?|embed/|v/)|youtu\.be/)`)
)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, url string) string {
	if cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL keeps scheme and host but hides path, query and fragment.
// Upstream media URLs embed signed tokens that must not land in logs.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// IsUpstreamURL reports whether the query is a direct upstream watch URL
// rather than a free-text search term.
func IsUpstreamURL(query string) bool {
	return upstreamRegex.MatchString(query)
}

// IsVideoID reports whether the query is a bare 11-character source id.
func IsVideoID(query string) bool {
	return videoIDRegex.MatchString(query)
}

// ExtractVideoID pulls the 11-character source id out of a watch/embed/short
// URL, or returns the query itself when it already is a bare id. Returns ""
// when no id can be recovered.
func ExtractVideoID(query string) string {
	if IsVideoID(query) {
		return query
	}
	if m := watchIDRegex.FindStringSubmatch(query); m != nil {
		return m[1]
	}
	if m := embedIDRegex.FindStringSubmatch(query); m != nil {
		return m[1]
	}
	return ""
}

// NormalizeQuery produces the canonical cache/dedup key for a client query:
// direct URLs and bare ids collapse onto "id:<video id>", free-text searches
// onto a lowercased, whitespace-squeezed "q:<text>". Two spellings of the
// same request must always map to the same key or the in-flight deduplicator
// cannot coalesce them.
func NormalizeQuery(query string) string {
	query = strings.TrimSpace(query)
	if id := ExtractVideoID(query); id != "" && (IsVideoID(query) || IsUpstreamURL(query)) {
		return "id:" + id
	}
	return "q:" + strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// FormatDuration renders seconds as m:ss or h:mm:ss display text.
func FormatDuration(seconds int64) string {
	if seconds <= 0 {
		return "0:00"
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return itoa(h) + ":" + pad(m) + ":" + pad(s)
	}
	return itoa(m) + ":" + pad(s)
}

// FormatBytes renders a byte count with a binary unit suffix for log output.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return itoa(n) + " B"
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	val := float64(n) / float64(div)
	units := []string{"KiB", "MiB", "GiB", "TiB"}
	whole := int64(val)
	frac := int64((val - float64(whole)) * 10)
	return itoa(whole) + "." + itoa(frac) + " " + units[exp]
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func pad(n int64) string {
	if n < 10 {
		return "0" + itoa(n)
	}
	return itoa(n)
}
