package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

// pipelineStages maps routes that advance or observe a deployment job to the
// stage label they report under.
var pipelineStages = map[string]string{
	"/fork":      "fork",
	"/deploy":    "deploy",
	"/status":    "status",
	"/ws/status": "stream",
}

type routerMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	throttle *prometheus.CounterVec
	pipeline *prometheus.CounterVec
}

// newRouterMetrics registers the router collectors with reg. A nil reg
// disables metrics.
func newRouterMetrics(reg prometheus.Registerer) *routerMetrics {
	if reg == nil {
		return nil
	}
	return &routerMetrics{
		requests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code",
		}, []string{"route", "method", "status"})),
		latency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "launchpad",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Handler latency by route; fork and deploy include provider calls",
			Buckets:   latencyBuckets,
		}, []string{"route", "method"})),
		throttle: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "api",
			Name:      "quota_rejections_total",
			Help:      "Requests answered 429 by route and quota scope",
		}, []string{"route", "scope"})),
		pipeline: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "api",
			Name:      "pipeline_requests_total",
			Help:      "Deployment pipeline requests by stage and outcome",
		}, []string{"stage", "outcome"})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *routerMetrics) observe(route, method string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(took.Seconds())
	if stage, ok := pipelineStages[route]; ok {
		m.pipeline.WithLabelValues(stage, pipelineOutcome(status)).Inc()
	}
}

func (m *routerMetrics) limited(route string, scope quotaScope) {
	if m == nil {
		return
	}
	m.throttle.WithLabelValues(route, string(scope)).Inc()
}

// pipelineOutcome buckets a status code: provider failures answer 502 and
// carry a deploy_id, everything else in 4xx is a caller-side rejection.
func pipelineOutcome(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "throttled"
	case status == http.StatusBadGateway:
		return "provider_failed"
	case status >= http.StatusInternalServerError:
		return "error"
	case status >= http.StatusBadRequest:
		return "rejected"
	default:
		return "ok"
	}
}
