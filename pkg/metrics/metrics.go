// Package metrics wires the Prometheus client into an optional HTTP
// endpoint. Storage drivers and frontends check Enabled before touching
// any of the gauges/histograms declared in the storage package, so the
// collection cost is zero when metrics are turned off.
package metrics

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sot-tech/chihaya-tracker/pkg/log"
	"github.com/sot-tech/chihaya-tracker/pkg/stop"
)

var enabled atomic.Bool

// Enable turns on metrics collection process-wide. It must be called
// before any storage driver or frontend starts, typically from main
// during configuration.
func Enable() { enabled.Store(true) }

// Enabled reports whether metrics collection is active.
func Enabled() bool { return enabled.Load() }

var logger = log.NewLogger("metrics")

// Server exposes the default Prometheus registry over HTTP.
type Server struct {
	srv *http.Server
}

// NewServer starts a metrics server listening on addr and serving
// /metrics. It implements stop.Stopper so it can join the same shutdown
// Group as storage drivers and frontends.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &Server{srv: &http.Server{Addr: addr, Handler: mux}}
	go func() {
		logger.Info().Str("addr", addr).Msg("starting metrics server")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return s
}

// Stop shuts the metrics server down.
func (s *Server) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		c.Done(s.srv.Shutdown(context.Background()))
	}()
	return c.Result()
}
