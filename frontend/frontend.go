// Package frontend defines the protocol-facing half of the tracker: the
// Frontend interface every transport (http, udp) implements, the shared
// listen/parse options their configs embed, and the registry main uses
// to start whichever frontends are configured.
package frontend

import (
	"io"
	"net"

	"github.com/libp2p/go-reuseport"

	"github.com/sot-tech/chihaya-tracker/middleware"
	"github.com/sot-tech/chihaya-tracker/pkg/conf"
	"github.com/sot-tech/chihaya-tracker/pkg/log"
)

// Frontend is a running protocol listener (http or udp). Close must be
// safe to call exactly once and block until every in-flight request has
// been handled or abandoned.
type Frontend interface {
	Close() error
}

// Builder starts a Frontend from its own configuration block, wired to
// logic for every announce/scrape it receives.
type Builder func(cfg conf.MapConfig, logic *middleware.Logic) (Frontend, error)

var builders = make(map[string]Builder)

// RegisterBuilder makes a frontend available under name. Called from a
// frontend package's init function.
func RegisterBuilder(name string, b Builder) {
	if _, ok := builders[name]; ok {
		panic("frontend: builder already registered for " + name)
	}
	builders[name] = b
}

// NewFrontend starts the named frontend with cfg, wired to logic.
func NewFrontend(name string, cfg conf.MapConfig, logic *middleware.Logic) (Frontend, error) {
	b, ok := builders[name]
	if !ok {
		return nil, unknownFrontendError(name)
	}
	return b(cfg, logic)
}

type unknownFrontendError string

func (e unknownFrontendError) Error() string { return "frontend: no builder registered for " + string(e) }

// ListenOptions are the config fields shared by every frontend that owns
// a listening socket.
type ListenOptions struct {
	// Addr is the host:port to listen on.
	Addr string `cfg:"addr"`
	// ReusePort enables SO_REUSEPORT, letting Workers sockets share one
	// address instead of contending on a single accept/recv loop.
	ReusePort bool `cfg:"reuse_port"`
	// Workers is how many sockets/goroutine groups to run. Values above
	// 1 force ReusePort on.
	Workers int `cfg:"workers"`
	// EnableRequestTiming turns on per-request Prometheus histograms
	// when pkg/metrics is enabled.
	EnableRequestTiming bool `cfg:"enable_request_timing"`
}

// Validate fills in defaults for zero-valued fields, logging a warning
// for each one it replaces.
func (o ListenOptions) Validate(logger log.Logger) ListenOptions {
	valid := o
	if valid.Addr == "" {
		logger.Fatal().Msg("addr must be set")
	}
	if valid.Workers == 0 {
		valid.Workers = 1
	}
	if valid.Workers > 1 && !valid.ReusePort {
		valid.ReusePort = true
		logger.Warn().Msg("forcibly enabling ReusePort because Workers > 1")
	}
	return valid
}

// ListenTCP opens a TCP listener honoring ReusePort.
func (o ListenOptions) ListenTCP() (net.Listener, error) {
	if o.ReusePort {
		return reuseport.Listen("tcp", o.Addr)
	}
	return net.Listen("tcp", o.Addr)
}

// ListenUDP opens a UDP socket honoring ReusePort.
func (o ListenOptions) ListenUDP() (*net.UDPConn, error) {
	if o.ReusePort {
		pc, err := reuseport.ListenPacket("udp", o.Addr)
		if err != nil {
			return nil, err
		}
		return pc.(*net.UDPConn), nil
	}
	addr, err := net.ResolveUDPAddr("udp", o.Addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", addr)
}

// ParseOptions are the config fields shared by every frontend that
// parses an AnnounceRequest/ScrapeRequest out of a wire format.
type ParseOptions struct {
	// AllowIPSpoofing lets a client supply its own IP/IPv6 announce
	// parameters instead of trusting the transport's source address.
	AllowIPSpoofing bool `cfg:"allow_ip_spoofing"`
	// FilterPrivateIPs rejects announced peer addresses in RFC 1918/4193
	// space, guarding against clients that leak a LAN address publicly.
	FilterPrivateIPs bool `cfg:"filter_private_ips"`
	// MaxNumWant caps how many peers a single announce may request.
	MaxNumWant uint32 `cfg:"max_numwant"`
	// DefaultNumWant is used when a client's announce omits numwant.
	DefaultNumWant uint32 `cfg:"default_numwant"`
	// MaxScrapeInfoHashes caps how many InfoHashes a single multi-scrape
	// (BEP 48) may request.
	MaxScrapeInfoHashes uint32 `cfg:"max_scrape_infohashes"`
}

// Validate fills in defaults for zero-valued fields, logging a warning
// for each one it replaces.
func (o ParseOptions) Validate(logger log.Logger) ParseOptions {
	valid := o
	if valid.MaxNumWant == 0 {
		valid.MaxNumWant = 50
		logger.Warn().Uint32("default", valid.MaxNumWant).Msg("falling back to default MaxNumWant")
	}
	if valid.DefaultNumWant == 0 {
		valid.DefaultNumWant = 50
		logger.Warn().Uint32("default", valid.DefaultNumWant).Msg("falling back to default DefaultNumWant")
	}
	if valid.MaxScrapeInfoHashes == 0 {
		valid.MaxScrapeInfoHashes = 64
		logger.Warn().Uint32("default", valid.MaxScrapeInfoHashes).Msg("falling back to default MaxScrapeInfoHashes")
	}
	return valid
}

// CloseGroup closes every Closer, aggregating their errors.
func CloseGroup(closers []io.Closer) error {
	var firstErr error
	for _, c := range closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
