// Package http implements a BitTorrent tracker frontend via the HTTP
// protocol, per BEP 3 (announce/scrape), BEP 23 (compact peers), and
// BEP 48 (multi-info_hash scrape).
package http

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/sot-tech/chihaya-tracker/auth"
	"github.com/sot-tech/chihaya-tracker/bittorrent"
	"github.com/sot-tech/chihaya-tracker/frontend"
	"github.com/sot-tech/chihaya-tracker/middleware"
	"github.com/sot-tech/chihaya-tracker/pkg/conf"
	"github.com/sot-tech/chihaya-tracker/pkg/metrics"
	"github.com/sot-tech/chihaya-tracker/pkg/stats"
)

// Name is the registered name of this frontend.
const Name = "http"

func init() {
	frontend.RegisterBuilder(Name, NewFrontend)
}

// Config represents all the configurable options for an HTTP BitTorrent
// tracker frontend.
type Config struct {
	frontend.ListenOptions
	frontend.ParseOptions
	// RealIPHeader names the header a trusted reverse proxy sets with
	// the client's real address (e.g. "X-Forwarded-For"). Empty means
	// trust the TCP connection's peer address.
	RealIPHeader string `cfg:"real_ip_header"`
	// TLSCertPath/TLSKeyPath, if both set, serve HTTPS instead of HTTP.
	TLSCertPath string `cfg:"tls_cert_path"`
	TLSKeyPath  string `cfg:"tls_key_path"`
}

type httpFE struct {
	srv        *fasthttp.Server
	listeners  []net.Listener
	logic      *middleware.Logic
	opts       frontend.ParseOptions
	realIP     string
	collect    bool
	wg         sync.WaitGroup
	onceCloser sync.Once
}

// NewFrontend builds and starts an HTTP bittorrent frontend from the
// given configuration.
func NewFrontend(c conf.MapConfig, logic *middleware.Logic) (frontend.Frontend, error) {
	var cfg Config
	if err := c.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.ListenOptions = cfg.ListenOptions.Validate(logger)
	cfg.ParseOptions = cfg.ParseOptions.Validate(logger)

	f := &httpFE{
		logic:   logic,
		opts:    cfg.ParseOptions,
		realIP:  cfg.RealIPHeader,
		collect: cfg.EnableRequestTiming,
	}

	r := router.New()
	r.GET("/announce", f.announce)
	r.GET("/announce/{key}", f.announce)
	r.GET("/scrape", f.scrape)
	r.GET("/scrape/{key}", f.scrape)

	f.srv = &fasthttp.Server{
		Handler:      r.Handler,
		Name:         "chihaya-tracker",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var tlsConfig *tls.Config
	if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, err
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	for i := 0; i < cfg.Workers; i++ {
		ln, err := cfg.ListenTCP()
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if tlsConfig != nil {
			ln = tls.NewListener(ln, tlsConfig)
		}
		f.listeners = append(f.listeners, ln)

		f.wg.Add(1)
		go func(ln net.Listener) {
			defer f.wg.Done()
			if err := f.srv.Serve(ln); err != nil {
				logger.Error().Err(err).Msg("listener failed")
			}
		}(ln)
	}

	return f, nil
}

// Close shuts down the frontend, waiting for in-flight requests to
// finish.
func (f *httpFE) Close() (err error) {
	f.onceCloser.Do(func() {
		err = f.srv.ShutdownWithContext(context.Background())
		f.wg.Wait()
	})
	return
}

func (f *httpFE) routeParams(ctx *fasthttp.RequestCtx) bittorrent.RouteParams {
	if key, ok := ctx.UserValue(middleware.AuthKeyParam).(string); ok {
		return bittorrent.RouteParams{{Key: middleware.AuthKeyParam, Value: key}}
	}
	return bittorrent.RouteParams{}
}

func (f *httpFE) announce(fctx *fasthttp.RequestCtx) {
	start := time.Now()
	req, params, err := parseAnnounce(fctx, f.opts, f.realIP)
	if err != nil {
		WriteError(fctx, err)
		return
	}
	req.Params = params

	ctx := bittorrent.InjectRouteParamsToContext(context.Background(), f.routeParams(fctx))
	ctx, resp, err := f.logic.HandleAnnounce(ctx, req)
	if err != nil {
		WriteError(fctx, err)
		return
	}

	if werr := WriteAnnounceResponse(fctx, resp); werr != nil {
		logger.Error().Err(werr).Msg("failed to write announce response")
	}

	ipv6 := req.Peer.Addr().Is6()
	stats.Emit(stats.Event{Transport: stats.TCP, IPv6: ipv6, Kind: stats.Announce})
	stats.Emit(stats.Event{Transport: stats.TCP, IPv6: ipv6, Kind: stats.Connection})

	if f.collect && metrics.Enabled() {
		recordResponseDuration("announce", err, time.Since(start))
	}

	bgCtx := bittorrent.RemapRouteParamsToBgContext(ctx)
	go f.logic.AfterAnnounce(bgCtx, req, resp)
}

func (f *httpFE) scrape(fctx *fasthttp.RequestCtx) {
	start := time.Now()
	req, params, err := parseScrape(fctx, f.opts)
	if err != nil {
		WriteError(fctx, err)
		return
	}
	req.Params = params

	ctx := bittorrent.InjectRouteParamsToContext(context.Background(), f.routeParams(fctx))
	ctx, resp, err := f.logic.HandleScrape(ctx, req)
	if err != nil {
		if auth.IsAuthError(err) {
			// Don't leak torrent presence through the rejection: a
			// private tracker that rejects a scrape's key responds with
			// zeroed metadata, same as an unknown infohash.
			resp = bittorrent.ZeroedScrapeResponse(req.InfoHashes)
			err = nil
		} else {
			WriteError(fctx, err)
			return
		}
	}

	if werr := WriteScrapeResponse(fctx, resp); werr != nil {
		logger.Error().Err(werr).Msg("failed to write scrape response")
	}

	stats.Emit(stats.Event{Transport: stats.TCP, IPv6: req.AddressFamily == bittorrent.IPv6, Kind: stats.Scrape})
	stats.Emit(stats.Event{Transport: stats.TCP, IPv6: req.AddressFamily == bittorrent.IPv6, Kind: stats.Connection})

	if f.collect && metrics.Enabled() {
		recordResponseDuration("scrape", err, time.Since(start))
	}

	bgCtx := bittorrent.RemapRouteParamsToBgContext(ctx)
	go f.logic.AfterScrape(bgCtx, req, resp)
}
