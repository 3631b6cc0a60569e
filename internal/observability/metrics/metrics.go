package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder aggregates Prometheus counters and gauges for HTTP requests,
// transcode session lifecycle, presence, and room activity. A single Recorder
// owns its registry so tests can construct isolated instances.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	streamEvents    *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	roomEvents      *prometheus.CounterVec
	presenceOnline  prometheus.Gauge
	wsClients       prometheus.Gauge
	libraryLookups  *prometheus.CounterVec
}

var defaultRecorder = New()

// New constructs a Recorder with a private registry and all collectors
// registered, ready to record without additional setup.
func New() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peakdecline_http_requests_total",
			Help: "Total number of HTTP requests processed by the API",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peakdecline_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peakdecline_stream_events_total",
			Help: "Transcode session lifecycle events by type",
		}, []string{"event"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peakdecline_active_transcode_sessions",
			Help: "Current number of live transcode sessions (0 or 1)",
		}),
		roomEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peakdecline_room_events_total",
			Help: "Room events broadcast to subscribers by type",
		}, []string{"event"}),
		presenceOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peakdecline_presence_online_users",
			Help: "Number of users currently considered online",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peakdecline_websocket_clients",
			Help: "Number of connected realtime clients",
		}),
		libraryLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peakdecline_library_lookups_total",
			Help: "Media library lookups by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		r.requestsTotal,
		r.requestDuration,
		r.streamEvents,
		r.activeSessions,
		r.roomEvents,
		r.presenceOnline,
		r.wsClients,
		r.libraryLookups,
	)

	return r
}

// Default returns the singleton Recorder shared across packages that do not
// require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest records a completed HTTP request. Paths are normalized so
// per-resource identifiers do not explode label cardinality.
func (r *Recorder) ObserveRequest(method, path string, status int, seconds float64) {
	normalized := normalizePath(path)
	r.requestsTotal.WithLabelValues(strings.ToUpper(method), normalized, statusText(status)).Inc()
	r.requestDuration.WithLabelValues(strings.ToUpper(method), normalized).Observe(seconds)
}

// StreamStarted records a successful session start and marks the session gauge.
func (r *Recorder) StreamStarted() {
	r.streamEvents.WithLabelValues("start").Inc()
	r.activeSessions.Set(1)
}

// StreamStopped records a session stop and clears the session gauge.
func (r *Recorder) StreamStopped() {
	r.streamEvents.WithLabelValues("stop").Inc()
	r.activeSessions.Set(0)
}

// StreamFailed records a session that never reached the ready state.
func (r *Recorder) StreamFailed(reason string) {
	r.streamEvents.WithLabelValues("fail:" + normalizeName(reason)).Inc()
	r.activeSessions.Set(0)
}

// ObserveRoomEvent records a room event type for throughput monitoring.
func (r *Recorder) ObserveRoomEvent(event string) {
	r.roomEvents.WithLabelValues(normalizeName(event)).Inc()
}

// SetOnlineUsers updates the presence gauge.
func (r *Recorder) SetOnlineUsers(n int) {
	r.presenceOnline.Set(float64(n))
}

// ClientConnected increments the realtime client gauge.
func (r *Recorder) ClientConnected() {
	r.wsClients.Inc()
}

// ClientDisconnected decrements the realtime client gauge.
func (r *Recorder) ClientDisconnected() {
	r.wsClients.Dec()
}

// ObserveLibraryLookup records a media library lookup outcome ("ok" or "error").
func (r *Recorder) ObserveLibraryLookup(outcome string) {
	r.libraryLookups.WithLabelValues(normalizeName(outcome)).Inc()
}

// Handler exposes the Recorder's registry in Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func statusText(status int) string {
	switch {
	case status < 100:
		return "0"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount > 0 && digitCount == len(segment)
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
