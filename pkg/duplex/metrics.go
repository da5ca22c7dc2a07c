package duplex

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/albertbausili/duplex/internal/errs"
	"github.com/albertbausili/duplex/internal/exchange"
)

var (
	clientRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_client_requests_total",
			Help: "Total number of HTTP requests that received a complete response",
		},
		[]string{"version", "method", "status"},
	)

	clientRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duplex_client_request_duration_seconds",
			Help:    "Time from dispatch to the end of the response in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"version", "method"},
	)

	clientRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duplex_client_requests_in_flight",
			Help: "Current number of dispatched requests awaiting completion",
		},
		[]string{"version"},
	)

	clientResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duplex_client_response_size_bytes",
			Help:    "Aggregated response body size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"version", "method"},
	)

	clientRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_client_request_errors_total",
			Help: "Total number of failed HTTP requests by error kind",
		},
		[]string{"version", "kind"},
	)
)

// observe tracks ex in the client collectors until it completes or fails.
func observe(ex *exchange.Exchange, version Version, method string) {
	v := version.String()
	start := time.Now()
	clientRequestsInFlight.WithLabelValues(v).Inc()

	ex.OnDone(func(resp *exchange.Response, err error) {
		clientRequestsInFlight.WithLabelValues(v).Dec()
		if err != nil {
			countError(version, err)
			return
		}
		clientRequestsTotal.WithLabelValues(v, method, strconv.Itoa(resp.Status)).Inc()
		clientRequestDuration.WithLabelValues(v, method).Observe(time.Since(start).Seconds())
		clientResponseSize.WithLabelValues(v, method).Observe(float64(len(resp.Body)))
	})
}

func countError(version Version, err error) {
	clientRequestErrors.WithLabelValues(version.String(), errs.KindOf(err).String()).Inc()
}
