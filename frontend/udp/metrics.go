package udp

import (
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var responseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "chihaya_udp_response_duration_milliseconds",
	Help:    "The time it takes to process and respond to a UDP request",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
}, []string{"action", "address_family", "error"})

func recordResponseDuration(action string, ip netip.Addr, err error, duration time.Duration) {
	af := "IPv4"
	if ip.Is6() {
		af = "IPv6"
	}
	errLabel := ""
	if err != nil {
		errLabel = err.Error()
	}
	responseDuration.
		WithLabelValues(action, af, errLabel).
		Observe(float64(duration.Milliseconds()))
}
