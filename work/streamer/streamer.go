package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"kyt-gateway/work/buffer"
	"kyt-gateway/work/client"
	"kyt-gateway/work/logger"
	"kyt-gateway/work/metrics"
	"kyt-gateway/work/session"
	"kyt-gateway/work/ticket"
	"kyt-gateway/work/types"
)

// ErrUpstreamFetch is returned when the media origin refuses or drops the
// pull before any bytes reach the caller.
var ErrUpstreamFetch = errors.New("upstream media fetch failed")

// Streamer pulls a ticket's source from the upstream and relays it to the
// caller in fixed-size chunks, flushing each one so playback starts before
// the transfer ends. One upstream connection per redemption; the gateway
// never buffers more than one chunk per active stream.
type Streamer struct {
	client *client.HeaderSettingClient
	chunks *buffer.ChunkPool
}

func New(httpClient *client.HeaderSettingClient, chunks *buffer.ChunkPool) *Streamer {
	return &Streamer{client: httpClient, chunks: chunks}
}

// Serve relays the ticket's source to w. The caller's Range header is passed
// through so seeks hit the origin directly. Returns the bytes written to the
// caller; a disconnect mid-stream is a normal ending, not an error.
func (s *Streamer) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, t *ticket.Ticket, sess *session.Session) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.Source.PlayableURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUpstreamFetch, err)
	}
	if sess != nil {
		sess.Apply(req)
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUpstreamFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("%w: origin returned status %d", ErrUpstreamFetch, resp.StatusCode)
	}

	copyDeliveryHeaders(w, resp, t.Source.Kind)
	w.WriteHeader(resp.StatusCode)

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	written, err := s.relay(ctx, w, resp.Body)

	switch {
	case err == nil:
		logger.Debug("{streamer - Serve} Completed %s: %d bytes", t.Source.ID, written)
	case isClientGone(ctx, err):
		logger.Debug("{streamer - Serve} Client disconnected from %s after %d bytes", t.Source.ID, written)
		err = nil
	default:
		logger.Warn("{streamer - Serve} Relay of %s broke after %d bytes: %v", t.Source.ID, written, err)
	}

	return written, err
}

// relay forwards the body one pooled chunk at a time, flushing after every
// write. Short reads forward immediately; waiting to fill a chunk would add
// latency with no benefit.
func (s *Streamer) relay(ctx context.Context, w http.ResponseWriter, body io.Reader) (int64, error) {
	buf := s.chunks.Get()
	defer s.chunks.Put(buf)

	flusher, _ := w.(http.Flusher)
	var written int64

	for {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}

		n, readErr := body.Read(buf.B)
		if n > 0 {
			wn, writeErr := w.Write(buf.B[:n])
			written += int64(wn)
			metrics.BytesTransferred.WithLabelValues("downstream").Add(float64(wn))
			metrics.BytesTransferred.WithLabelValues("upstream").Add(float64(n))
			if writeErr != nil {
				return written, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}

		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("%w: %v", ErrUpstreamFetch, readErr)
		}
	}
}

// copyDeliveryHeaders forwards the origin headers the player needs, falling
// back to the kind's content type when the origin stays vague.
func copyDeliveryHeaders(w http.ResponseWriter, resp *http.Response, kind types.MediaKind) {
	ct := resp.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		ct = kind.ContentType()
	}
	w.Header().Set("Content-Type", ct)

	for _, h := range []string{"Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	if w.Header().Get("Accept-Ranges") == "" {
		w.Header().Set("Accept-Ranges", "bytes")
	}
}

// isClientGone distinguishes a caller hangup from an upstream failure.
func isClientGone(ctx context.Context, err error) bool {
	return errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled)
}
