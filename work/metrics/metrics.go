package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RequestsTotal counts public API requests by final outcome (ok, denied,
// not_found, blocked, unavailable, error). This metric is a counter and only increases.
var RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "video_gateway_requests_total",
	Help: "Number of content requests by outcome",
}, []string{"outcome"})

// AdmissionDenials counts admission rejections by reason so quota pressure is
// visible separately from invalid-key noise.
var AdmissionDenials = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "video_gateway_admission_denials_total",
	Help: "Number of denied admissions by reason",
}, []string{"reason"})

// ActiveStreams tracks the number of ticket redemptions currently streaming.
// This metric is a gauge, rising on stream start and falling on completion.
var ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "video_gateway_active_streams",
	Help: "Number of in-progress chunked streams",
})

// BytesTransferred tracks bytes moved per direction ("upstream" for pulls
// from the source, "downstream" for delivery to clients).
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "video_gateway_bytes_transferred",
	Help: "Total bytes transferred",
}, []string{"direction"})

// SessionRefreshes counts refresher authentication attempts by result
// (success, failure, challenge).
var SessionRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "video_gateway_session_refreshes_total",
	Help: "Number of session refresh attempts by result",
}, []string{"result"})

// ResolveCache counts resolver cache lookups by result (hit, miss).
var ResolveCache = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "video_gateway_resolve_cache_total",
	Help: "Resolver cache lookups by result",
}, []string{"result"})
