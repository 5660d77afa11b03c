package http

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var responseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "chihaya_http_response_duration_milliseconds",
	Help:    "The time it takes to process and respond to an HTTP request",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
}, []string{"action", "error"})

func recordResponseDuration(action string, err error, duration time.Duration) {
	errLabel := ""
	if err != nil {
		errLabel = err.Error()
	}
	responseDuration.
		WithLabelValues(action, errLabel).
		Observe(float64(duration.Milliseconds()))
}
