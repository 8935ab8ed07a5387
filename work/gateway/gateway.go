package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"kyt-gateway/work/admission"
	"kyt-gateway/work/client"
	"kyt-gateway/work/config"
	"kyt-gateway/work/database"
	"kyt-gateway/work/logger"
	"kyt-gateway/work/metrics"
	"kyt-gateway/work/resolver"
	"kyt-gateway/work/session"
	"kyt-gateway/work/streamer"
	"kyt-gateway/work/ticket"
	"kyt-gateway/work/types"
)

// Resolver is the slice of the resolver the gateway calls.
type Resolver interface {
	Resolve(ctx context.Context, rawQuery string, kind types.MediaKind) (*types.ResolvedSource, error)
}

// Gateway ties admission, resolution, tickets and streaming into the public
// HTTP surface. Handlers stay thin: classify, delegate, translate errors.
type Gateway struct {
	cfg      *config.Config
	db       *database.DB
	admit    *admission.Controller
	resolver Resolver
	tickets  *ticket.Registry
	streamer *streamer.Streamer
	sessions *session.Refresher
}

func New(cfg *config.Config, db *database.DB, admit *admission.Controller, res Resolver, tickets *ticket.Registry, str *streamer.Streamer, sessions *session.Refresher) *Gateway {
	return &Gateway{
		cfg:      cfg,
		db:       db,
		admit:    admit,
		resolver: res,
		tickets:  tickets,
		streamer: str,
		sessions: sessions,
	}
}

// ContentResponse is the public resolution payload: source metadata plus the
// gateway-local ticket URL. The upstream playable URL never appears here.
type ContentResponse struct {
	*types.ResolvedSource
	StreamURL     string    `json:"stream_url"`
	StreamType    string    `json:"stream_type"`
	TicketExpires time.Time `json:"ticket_expires"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleContent serves GET /content (and its /youtube alias): admit the key,
// resolve the query, mint a ticket, return metadata plus the stream URL.
func (g *Gateway) HandleContent(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("api_key")
	if apiKey == "" {
		apiKey = r.Header.Get("X-API-Key")
	}

	decision, err := g.admit.Admit(apiKey)
	if err != nil {
		logger.Error("{gateway - HandleContent} Admission check failed: %v", err)
		metrics.RequestsTotal.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
		return
	}
	if !decision.Admitted {
		g.denyContent(w, r, decision)
		return
	}

	query := r.URL.Query().Get("query")
	if query == "" {
		query = r.URL.Query().Get("q")
	}
	if query == "" {
		metrics.RequestsTotal.WithLabelValues("error").Inc()
		g.record(decision.Key.ID, "", "missing_query", http.StatusBadRequest, r)
		writeJSON(w, http.StatusBadRequest, errorResponse{"query parameter is required"})
		return
	}

	kind := types.ParseMediaKind(r.URL.Query().Get("media"))
	if r.URL.Query().Get("media") == "" {
		// Legacy alias parameter: video=true selects the video rendition.
		kind = types.ParseMediaKind(r.URL.Query().Get("video"))
	}

	src, err := g.resolver.Resolve(r.Context(), query, kind)
	if err != nil {
		g.resolveError(w, r, decision.Key.ID, query, err)
		return
	}

	recordID, err := g.db.InsertUsageRecord(decision.Key.ID, query, "ok", http.StatusOK, r.RemoteAddr)
	if err != nil {
		logger.Warn("{gateway - HandleContent} Usage record insert failed: %v", err)
	}

	t := g.tickets.Issue(src, decision.Key.ID, recordID)
	metrics.RequestsTotal.WithLabelValues("ok").Inc()

	writeJSON(w, http.StatusOK, ContentResponse{
		ResolvedSource: src,
		StreamURL:      g.cfg.BaseURL + "/stream/" + t.ID,
		StreamType:     src.Kind.Label(),
		TicketExpires:  t.ExpiresAt,
	})
}

// HandleStream serves GET /stream/{ticket}: redeem the ticket and relay the
// source in chunks. No API key needed; the ticket id is the capability.
func (g *Gateway) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ticket"]

	t, err := g.tickets.Redeem(id)
	switch {
	case errors.Is(err, ticket.ErrTicketNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"unknown ticket"})
		return
	case errors.Is(err, ticket.ErrTicketExpired):
		writeJSON(w, http.StatusGone, errorResponse{"ticket expired"})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
		return
	}

	// Media pulls usually work without cookies; present the session only
	// when one is healthy rather than failing an otherwise good redemption.
	sess, _ := g.sessions.UsableSession()

	cw := client.NewCustomResponseWriter(w)
	written, err := g.streamer.Serve(r.Context(), cw, r, t, sess)

	if written > 0 && t.RecordID > 0 {
		if dberr := g.db.SetRecordBytes(t.RecordID, written); dberr != nil {
			logger.Warn("{gateway - HandleStream} Byte count update failed: %v", dberr)
		}
	}

	if err != nil && !cw.WroteHeader {
		writeJSON(cw, http.StatusBadGateway, errorResponse{"upstream fetch failed"})
	}
}

// HandleHealth serves GET /health with a liveness summary. Always 200 while
// the process runs; the session state is informational.
func (g *Gateway) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"session":             g.sessions.State().String(),
		"outstanding_tickets": g.tickets.Len(),
	})
}

func (g *Gateway) denyContent(w http.ResponseWriter, r *http.Request, d admission.Decision) {
	metrics.RequestsTotal.WithLabelValues("denied").Inc()

	switch d.Reason {
	case admission.DenyInvalidKey:
		writeJSON(w, http.StatusUnauthorized, errorResponse{"invalid API key"})
	case admission.DenyRevoked:
		writeJSON(w, http.StatusForbidden, errorResponse{"API key revoked"})
	case admission.DenyExpiredKey:
		writeJSON(w, http.StatusForbidden, errorResponse{"API key expired"})
	default:
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds()+1)))
		}
		writeJSON(w, http.StatusTooManyRequests, errorResponse{"rate limit exceeded"})
	}
}

func (g *Gateway) resolveError(w http.ResponseWriter, r *http.Request, keyID int64, query string, err error) {
	var status int
	var outcome, msg string

	switch {
	case errors.Is(err, resolver.ErrNotFound):
		status, outcome, msg = http.StatusNotFound, "not_found", "no results for query"
	case errors.Is(err, resolver.ErrBlocked):
		status, outcome, msg = http.StatusForbidden, "blocked", "source is not deliverable"
	case errors.Is(err, resolver.ErrAuthRejected), errors.Is(err, session.ErrUpstreamUnavailable):
		status, outcome, msg = http.StatusServiceUnavailable, "unavailable", "upstream temporarily unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, outcome, msg = 499, "error", "request cancelled"
	default:
		status, outcome, msg = http.StatusInternalServerError, "error", "internal error"
		logger.Error("{gateway - resolveError} Unclassified resolution failure for %q: %v", query, err)
	}

	metrics.RequestsTotal.WithLabelValues(outcome).Inc()
	g.record(keyID, query, outcome, status, r)
	writeJSON(w, status, errorResponse{msg})
}

func (g *Gateway) record(keyID int64, query, outcome string, status int, r *http.Request) {
	if _, err := g.db.InsertUsageRecord(keyID, query, outcome, status, r.RemoteAddr); err != nil {
		logger.Warn("{gateway - record} Usage record insert failed: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debug("{gateway - writeJSON} Encode failed: %v", err)
	}
}
