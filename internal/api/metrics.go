package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Endpoint labels. Requests are counted per diagnostics endpoint rather
// than per raw path.
const (
	endpointHealth    = "healthz"
	endpointInstances = "instances"
	endpointJournal   = "journal"
	endpointStats     = "stats"
	endpointTraffic   = "traffic"
)

var (
	diagRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmworker_diag_requests_total",
			Help: "Diagnostics requests by endpoint and response code.",
		},
		[]string{"endpoint", "code"},
	)

	trafficStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmworker_traffic_streams",
			Help: "Open traffic streams.",
		},
	)
)

func init() {
	prometheus.MustRegister(diagRequestsTotal)
	prometheus.MustRegister(trafficStreams)
}

// endpoint counts and logs requests served by h under the given label.
func (s *Server) endpoint(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		h(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		diagRequestsTotal.WithLabelValues(name, strconv.Itoa(code)).Inc()
		s.logger.Debug("diagnostics request",
			"endpoint", name,
			"code", code,
			"worker_state", s.worker.State(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
