package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		httpRequestsTotal,
		httpRequestDuration,
		artifactRetrievalsTotal,
		rateLimitTriggeredTotal,
	)
}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served, labeled by route pattern and status code.",
		},
		[]string{"route", "code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	artifactRetrievalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artifact_retrievals_total",
			Help: "Artifact download attempts, labeled by result.",
		},
		[]string{"result"}, // 'ok', 'not_ready', 'gone', 'busy', 'partial'
	)

	rateLimitTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_triggered_total",
			Help: "Total number of requests rejected by a rate limiter.",
		},
		[]string{"limiter"},
	)
)

func ObserveHTTP(route string, code int, seconds float64) {
	if route == "" {
		route = "unmatched"
	}
	httpRequestsTotal.WithLabelValues(route, itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(seconds)
}

func IncArtifactRetrieval(result string) {
	artifactRetrievalsTotal.WithLabelValues(norm(result)).Inc()
}

func IncRateLimitTriggered(limiter string) {
	rateLimitTriggeredTotal.WithLabelValues(norm(limiter)).Inc()
}
