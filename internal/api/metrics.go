package api

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// httpMetrics are the Prometheus collectors for the API.
type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deposition",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deposition",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

func (m *httpMetrics) observe(method, route string, status int, took time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, route).Observe(took.Seconds())
}

// metricsHandler serves the Prometheus exposition format.
func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}

// SystemStatus is the response of GET /api/v1/system.
type SystemStatus struct {
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	BenchID       string            `json:"bench_id"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Runtime       RuntimeMetrics    `json:"runtime"`
	WebSocket     WSMetrics         `json:"websocket"`
	Run           RunMetrics        `json:"run"`
	Components    map[string]string `json:"components"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int            `json:"connected_clients"`
	Subscribers      map[string]int `json:"subscribers"`
	DroppedMessages  uint64         `json:"dropped_messages"`
}

// RunMetrics summarises the controller.
type RunMetrics struct {
	Status   string `json:"status"`
	RunID    string `json:"run_id,omitempty"`
	Recipe   string `json:"recipe,omitempty"`
	Channels int    `json:"channels"`
	Rules    int    `json:"interlock_rules"`
}

// componentCheckTimeout bounds each health check made for /health and /system.
const componentCheckTimeout = 2 * time.Second

// componentStatus runs every registered health check. Values are "ok" or
// the error text.
func (s *Server) componentStatus(ctx context.Context) (map[string]string, bool) {
	out := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if check == nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, componentCheckTimeout)
		err := check.HealthCheck(cctx)
		cancel()
		if err != nil {
			out[name] = err.Error()
			healthy = false
			continue
		}
		out[name] = "ok"
	}
	return out, healthy
}

// handleSystem returns runtime, hub and controller statistics.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	state := s.ctrl.Status()
	components, _ := s.componentStatus(r.Context())

	writeJSON(w, http.StatusOK, SystemStatus{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		BenchID:       s.benchID,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			Subscribers:      s.hub.Subscribers(),
			DroppedMessages:  s.hub.Dropped(),
		},
		Run: RunMetrics{
			Status:   string(state.Status),
			RunID:    state.RunID,
			Recipe:   state.Recipe,
			Channels: len(s.ctrl.Channels()),
			Rules:    len(s.ctrl.Table().Rules()),
		},
		Components: components,
	})
}
