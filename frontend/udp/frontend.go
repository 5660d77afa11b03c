// Package udp implements a BitTorrent tracker frontend via the UDP
// protocol described in BEP 15.
package udp

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sot-tech/chihaya-tracker/auth"
	"github.com/sot-tech/chihaya-tracker/bittorrent"
	"github.com/sot-tech/chihaya-tracker/frontend"
	"github.com/sot-tech/chihaya-tracker/middleware"
	"github.com/sot-tech/chihaya-tracker/pkg/bytepool"
	"github.com/sot-tech/chihaya-tracker/pkg/conf"
	"github.com/sot-tech/chihaya-tracker/pkg/log"
	"github.com/sot-tech/chihaya-tracker/pkg/metrics"
	"github.com/sot-tech/chihaya-tracker/pkg/stats"
	"github.com/sot-tech/chihaya-tracker/pkg/timecache"
)

const (
	// Name is the registered name of this frontend.
	Name                               = "udp"
	defaultKeyLen                      = 32
	maxAllowedConnectionCookieLifetime = 10 * time.Minute
	defaultConnectionCookieLifetime    = 2 * time.Minute
	allowedGeneratedPrivateKeyRunes    = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"
	// defaultBanWindow is used when MaxConnectionIDErrorsPerIP is set but
	// BanWindow is not.
	defaultBanWindow = time.Minute
)

var logger = log.NewLogger("frontend/udp")

func init() {
	frontend.RegisterBuilder(Name, NewFrontend)
}

// Config represents all the configurable options for a UDP BitTorrent
// tracker frontend.
type Config struct {
	frontend.ListenOptions
	PrivateKey string `cfg:"private_key"`
	// ConnectionCookieLifetime bounds how long a connection ID issued by
	// a Connect request remains valid for a subsequent Announce/Scrape,
	// per BEP 15.
	ConnectionCookieLifetime time.Duration `cfg:"connection_cookie_lifetime_seconds"`
	// MaxConnectionIDErrorsPerIP is the UDP ban service's error
	// threshold: once a source IP has caused more than this many parse
	// errors, bad cookies, or disallowed requests within BanWindow, its
	// datagrams are dropped silently until the window elapses. Zero
	// disables banning.
	MaxConnectionIDErrorsPerIP int           `cfg:"max_connection_id_errors_per_ip"`
	BanWindow                  time.Duration `cfg:"ban_window_seconds"`
	frontend.ParseOptions
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid.
func (cfg Config) Validate() (validCfg Config) {
	validCfg = cfg
	validCfg.ListenOptions = cfg.ListenOptions.Validate(logger)

	if cfg.PrivateKey == "" {
		pkeyRunes := make([]byte, defaultKeyLen)
		if _, err := rand.Read(pkeyRunes); err != nil {
			panic(err)
		}
		l := len(allowedGeneratedPrivateKeyRunes)
		for i := range pkeyRunes {
			pkeyRunes[i] = allowedGeneratedPrivateKeyRunes[int(pkeyRunes[i])%l]
		}
		validCfg.PrivateKey = string(pkeyRunes)

		logger.Warn().Str("name", "PrivateKey").Msg("falling back to a randomly generated value")
	}

	lifetime := cfg.ConnectionCookieLifetime
	if lifetime < 0 {
		lifetime = -lifetime
	}
	if lifetime == 0 || lifetime > maxAllowedConnectionCookieLifetime {
		lifetime = defaultConnectionCookieLifetime
		logger.Warn().Str("name", "ConnectionCookieLifetime").Dur("provided", cfg.ConnectionCookieLifetime).Dur("default", lifetime).
			Msg("falling back to default configuration")
	}
	validCfg.ConnectionCookieLifetime = lifetime

	banWindow := cfg.BanWindow
	if banWindow < 0 {
		banWindow = -banWindow
	}
	if banWindow == 0 {
		banWindow = defaultBanWindow
	}
	validCfg.BanWindow = banWindow
	validCfg.MaxConnectionIDErrorsPerIP = cfg.MaxConnectionIDErrorsPerIP

	validCfg.ParseOptions = cfg.ParseOptions.Validate(logger)

	return
}

// udpFE holds the state of a UDP BitTorrent frontend.
type udpFE struct {
	sockets        []*net.UDPConn
	closing        chan any
	wg             sync.WaitGroup
	genPool        *sync.Pool
	logic          *middleware.Logic
	collectTimings bool
	ctxCancel      context.CancelFunc
	onceCloser     sync.Once
	bans           *banService
	frontend.ParseOptions
}

// NewFrontend builds and starts a UDP bittorrent frontend from the
// given configuration.
func NewFrontend(c conf.MapConfig, logic *middleware.Logic) (frontend.Frontend, error) {
	var err error
	var cfg Config
	if err = c.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg = cfg.Validate()
	pKey := []byte(cfg.PrivateKey)

	f := &udpFE{
		sockets:        make([]*net.UDPConn, cfg.Workers),
		closing:        make(chan any),
		logic:          logic,
		collectTimings: cfg.EnableRequestTiming,
		ParseOptions:   cfg.ParseOptions,
		bans:           newBanService(cfg.MaxConnectionIDErrorsPerIP, cfg.BanWindow),
		genPool: &sync.Pool{
			New: func() any {
				return NewConnectionIDGenerator(pKey, cfg.ConnectionCookieLifetime)
			},
		},
	}

	var ctx context.Context
	ctx, f.ctxCancel = context.WithCancel(context.Background())
	logger.Debug().Str("addr", cfg.Addr).Msg("starting listener")
	for i := range f.sockets {
		if f.sockets[i], err = cfg.ListenUDP(); err == nil {
			f.wg.Add(1)
			go func(socket *net.UDPConn, ctx context.Context) {
				if err := f.serve(ctx, socket); err != nil {
					logger.Error().Str("addr", cfg.Addr).Err(err).Msg("listener failed")
				} else {
					logger.Info().Str("addr", cfg.Addr).Msg("listener stopped")
				}
			}(f.sockets[i], ctx)
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return f, nil
}

// Close shuts down the frontend, waiting for in-flight requests to
// finish.
func (f *udpFE) Close() (err error) {
	f.onceCloser.Do(func() {
		close(f.closing)
		f.ctxCancel()
		cls := make([]io.Closer, 0, len(f.sockets))
		now := time.Now()
		for _, s := range f.sockets {
			if s != nil {
				_ = s.SetDeadline(now)
				cls = append(cls, s)
			}
		}
		f.wg.Wait()
		f.bans.Stop()
		err = frontend.CloseGroup(cls)
	})

	return
}

// serve blocks while listening and serving UDP BitTorrent requests
// until Close is called or an unrecoverable error is returned.
func (f *udpFE) serve(ctx context.Context, socket *net.UDPConn) error {
	pool := bytepool.NewBytePool(2048)
	defer f.wg.Done()

	for {
		select {
		case <-f.closing:
			logger.Debug().Msg("serve received shutdown signal")
			return nil
		default:
		}

		buffer := pool.Get()
		n, addrPort, err := socket.ReadFromUDPAddrPort(*buffer)
		if err != nil {
			pool.Put(buffer)
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}

		if n == 0 {
			pool.Put(buffer)
			continue
		}

		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			defer pool.Put(buffer)

			addr := addrPort.Addr().Unmap()
			if f.bans.Banned(addr, timecache.Now()) {
				// Drop silently: responding would tell a banned,
				// likely abusive source that the tracker is still
				// listening.
				return
			}
			var start time.Time
			if f.collectTimings && metrics.Enabled() {
				start = time.Now()
			}
			action, err := f.handleRequest(ctx,
				Request{(*buffer)[:n], addr},
				ResponseWriter{socket, addrPort},
			)
			if f.collectTimings && metrics.Enabled() {
				recordResponseDuration(action, addr, err, time.Since(start))
			}
		}()
	}
}

// Request represents a UDP payload received by a Tracker.
type Request struct {
	Packet []byte
	IP     netip.Addr
}

// ResponseWriter implements the ability to respond to a Request via the
// io.Writer interface.
type ResponseWriter struct {
	socket   *net.UDPConn
	addrPort netip.AddrPort
}

// Write implements io.Writer for a ResponseWriter.
func (w ResponseWriter) Write(b []byte) (int, error) {
	return w.socket.WriteToUDPAddrPort(b, w.addrPort)
}

// handleRequest parses and responds to a UDP Request.
func (f *udpFE) handleRequest(ctx context.Context, r Request, w ResponseWriter) (actionName string, err error) {
	if len(r.Packet) < headerLen {
		// Malformed; no client packet is shorter than the shared header.
		// Explicitly return nothing in case this is a DoS/reflection
		// attempt.
		err = errMalformedPacket
		f.bans.RecordError(r.IP, timecache.Now())
		return
	}

	connID := r.Packet[0:8]
	actionID := int32(binary.BigEndian.Uint32(r.Packet[8:12]))
	txID := r.Packet[12:16]

	gen := f.genPool.Get().(*ConnectionIDGenerator)
	defer f.genPool.Put(gen)

	if actionID != connectActionID && !gen.Validate(connID, r.IP, timecache.Now()) {
		err = errBadConnectionID
		writeErrorResponse(w, txID, err)
		f.bans.RecordError(r.IP, timecache.Now())
		return
	}

	switch actionID {
	case connectActionID:
		actionName = "connect"

		if !bytes.Equal(connID, initialConnectionID) {
			err = errMalformedPacket
			f.bans.RecordError(r.IP, timecache.Now())
			return
		}

		writeConnectionID(w, txID, gen.Generate(r.IP, timecache.Now()))
		stats.Emit(stats.Event{Transport: stats.UDP, IPv6: r.IP.Is6(), Kind: stats.Connection})

	case announceActionID, announceV6ActionID:
		actionName = "announce"

		var req *bittorrent.AnnounceRequest
		req, err = parseAnnounce(r, actionID == announceV6ActionID, f.ParseOptions)
		if err != nil {
			writeErrorResponse(w, txID, err)
			f.bans.RecordError(r.IP, timecache.Now())
			return
		}

		var resp *bittorrent.AnnounceResponse
		announceCtx := bittorrent.InjectRouteParamsToContext(ctx, bittorrent.RouteParams{})
		announceCtx, resp, err = f.logic.HandleAnnounce(announceCtx, req)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				writeErrorResponse(w, txID, err)
				f.bans.RecordError(r.IP, timecache.Now())
			}
			return
		}

		if err = announceCtx.Err(); err == nil {
			writeAnnounceResponse(w, txID, resp, actionID == announceV6ActionID)
			stats.Emit(stats.Event{Transport: stats.UDP, IPv6: actionID == announceV6ActionID, Kind: stats.Announce})

			bgCtx := bittorrent.RemapRouteParamsToBgContext(announceCtx)
			go f.logic.AfterAnnounce(bgCtx, req, resp)
		}

	case scrapeActionID:
		actionName = "scrape"

		var req *bittorrent.ScrapeRequest
		req, err = parseScrape(r, f.ParseOptions)
		if err != nil {
			writeErrorResponse(w, txID, err)
			f.bans.RecordError(r.IP, timecache.Now())
			return
		}

		var resp *bittorrent.ScrapeResponse
		scrapeCtx := bittorrent.InjectRouteParamsToContext(ctx, bittorrent.RouteParams{})
		scrapeCtx, resp, err = f.logic.HandleScrape(scrapeCtx, req)
		if err != nil {
			if auth.IsAuthError(err) {
				// Don't leak torrent presence through the rejection: a
				// private tracker that rejects a scrape's key responds
				// with zeroed metadata, same as an unknown infohash.
				resp = bittorrent.ZeroedScrapeResponse(req.InfoHashes)
				err = nil
			} else {
				if !errors.Is(err, context.Canceled) {
					writeErrorResponse(w, txID, err)
					f.bans.RecordError(r.IP, timecache.Now())
				}
				return
			}
		}

		if err = scrapeCtx.Err(); err == nil {
			writeScrapeResponse(w, txID, resp)
			stats.Emit(stats.Event{Transport: stats.UDP, IPv6: req.AddressFamily == bittorrent.IPv6, Kind: stats.Scrape})

			bgCtx := bittorrent.RemapRouteParamsToBgContext(scrapeCtx)
			go f.logic.AfterScrape(bgCtx, req, resp)
		}

	default:
		err = errUnknownAction
		writeErrorResponse(w, txID, err)
		f.bans.RecordError(r.IP, timecache.Now())
	}

	return
}
