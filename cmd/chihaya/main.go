// Command chihaya runs a multi-protocol BitTorrent tracker.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/sot-tech/chihaya-tracker/auth"
	"github.com/sot-tech/chihaya-tracker/auth/static"
	"github.com/sot-tech/chihaya-tracker/frontend"
	_ "github.com/sot-tech/chihaya-tracker/frontend/http"
	_ "github.com/sot-tech/chihaya-tracker/frontend/udp"
	"github.com/sot-tech/chihaya-tracker/middleware"
	_ "github.com/sot-tech/chihaya-tracker/middleware/torrentapproval"
	_ "github.com/sot-tech/chihaya-tracker/middleware/varinterval"
	"github.com/sot-tech/chihaya-tracker/pkg/conf"
	"github.com/sot-tech/chihaya-tracker/pkg/log"
	"github.com/sot-tech/chihaya-tracker/pkg/metrics"
	"github.com/sot-tech/chihaya-tracker/pkg/stats"
	"github.com/sot-tech/chihaya-tracker/pkg/stop"
	_ "github.com/sot-tech/chihaya-tracker/storage/lmdb"
	_ "github.com/sot-tech/chihaya-tracker/storage/memory"
	_ "github.com/sot-tech/chihaya-tracker/storage/pg"
	_ "github.com/sot-tech/chihaya-tracker/storage/redis"
	"github.com/sot-tech/chihaya-tracker/storage"
)

var logger = log.NewLogger("main")

// registerStaticAuth is done once: static.NewBuilder binds to a concrete
// store, but a SIGHUP reload calls Start again and auth.RegisterBuilder
// panics on a duplicate name.
var registerStaticAuth sync.Once

// closerStopper adapts an io.Closer (every frontend.Frontend) to
// stop.Stopper, so it can join the same shutdown Group as the metrics
// server and storage driver.
type closerStopper struct{ io.Closer }

func (c closerStopper) Stop() stop.Result {
	ch := make(stop.Channel)
	go func() { ch.Done(c.Close()) }()
	return ch.Result()
}

// Run holds the state of a single running instance of the tracker, so a
// SIGHUP can tear it down and rebuild it against a reloaded config
// without restarting the process.
type Run struct {
	configFilePath string
	store          storage.PeerStorage
	logic          *middleware.Logic
	frontends      *stop.Group
}

// NewRun builds and starts a Run from the YAML document at configFilePath.
func NewRun(configFilePath string) (*Run, error) {
	r := &Run{configFilePath: configFilePath}
	return r, r.Start(nil)
}

// Start reads configFilePath and brings up storage, auth, middleware
// logic, and every configured frontend. If ps is non-nil (a reload that
// chose to keep the peer store), it is reused instead of building a new
// storage driver.
func (r *Run) Start(ps storage.PeerStorage) error {
	cfg, err := ParseConfigFile(r.configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if cfg.MetricsAddr != "" {
		metrics.Enable()
		r.frontends = stop.NewGroup()
		r.frontends.Add(metrics.NewServer(cfg.MetricsAddr))
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics enabled")
	} else {
		r.frontends = stop.NewGroup()
		logger.Info().Msg("metrics disabled because of empty address")
	}

	if cfg.TrackerUsageStatistics {
		stats.Enable(cfg.StatsQueueCapacity)
		logger.Info().Int("capacity", cfg.StatsQueueCapacity).Msg("statistics bus enabled")
	}

	if ps != nil {
		r.store = ps
	} else {
		logger.Info().Str("name", cfg.Storage.Name).Msg("starting storage")
		r.store, err = storage.NewStorage(cfg.Storage.Name, conf.MapConfig(cfg.Storage.Config))
		if err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
	}

	var keyStore auth.Store
	if cfg.Auth.Name != "" {
		if cfg.Auth.Name == static.Name {
			registerStaticAuth.Do(func() {
				auth.RegisterBuilder(static.Name, static.NewBuilder(r.store))
			})
		}
		logger.Info().Str("name", cfg.Auth.Name).Msg("starting auth store")
		keyStore, err = auth.NewStore(cfg.Auth.Name, conf.MapConfig(cfg.Auth.Config))
		if err != nil {
			return fmt.Errorf("failed to create auth store: %w", err)
		}
	}

	preHooks, err := middleware.HooksFromConfigs(cfg.PreHooks, r.store)
	if err != nil {
		return fmt.Errorf("failed to build prehooks: %w", err)
	}
	if keyStore != nil {
		preHooks = append([]middleware.Hook{middleware.NewAuthHook(keyStore)}, preHooks...)
	}
	postHooks, err := middleware.HooksFromConfigs(cfg.PostHooks, r.store)
	if err != nil {
		return fmt.Errorf("failed to build posthooks: %w", err)
	}

	logger.Info().Msg("starting tracker logic")
	r.logic = middleware.NewLogic(r.store, cfg.AnnounceInterval, cfg.AnnounceMinInterval, preHooks, postHooks)

	for _, fe := range cfg.Frontends {
		logger.Info().Str("name", fe.Name).Msg("starting frontend")
		f, err := frontend.NewFrontend(fe.Name, conf.MapConfig(fe.Config), r.logic)
		if err != nil {
			return fmt.Errorf("failed to start frontend %q: %w", fe.Name, err)
		}
		r.frontends.Add(closerStopper{f})
	}

	return nil
}

// Stop shuts every frontend, the tracker logic, and (unless
// keepPeerStore) the storage driver down, in that order.
func (r *Run) Stop(keepPeerStore bool) (storage.PeerStorage, error) {
	logger.Debug().Msg("stopping frontends and metrics server")
	if errs := r.frontends.Stop().Wait(); len(errs) != 0 {
		return nil, combineErrors("failed while shutting down frontends", errs)
	}

	logger.Debug().Msg("stopping logic")
	if errs := r.logic.Stop().Wait(); len(errs) != 0 {
		return nil, combineErrors("failed while shutting down middleware", errs)
	}

	if !keepPeerStore {
		logger.Debug().Msg("stopping peer store")
		if errs := r.store.Stop().Wait(); len(errs) != 0 {
			return nil, combineErrors("failed while shutting down peer store", errs)
		}
		r.store = nil
	}

	stats.Stop()

	return r.store, nil
}

func combineErrors(prefix string, errs []error) error {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return errors.New(prefix + ": " + strings.Join(msgs, "; "))
}

func main() {
	configFilePath := flag.String("config", "/etc/chihaya.yaml", "location of configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	jsonLog := flag.Bool("json", false, "emit line-delimited JSON logs")
	flag.Parse()

	if *debug {
		log.SetDebug(true)
	}
	if *jsonLog {
		log.SetJSON()
	}

	r, err := NewRun(*configFilePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)

	for {
		select {
		case <-reload:
			logger.Info().Msg("reloading; received SIGHUP")
			store, err := r.Stop(true)
			if err != nil {
				logger.Fatal().Err(err).Msg("failed to stop for reload")
			}
			if err := r.Start(store); err != nil {
				logger.Fatal().Err(err).Msg("failed to restart after reload")
			}
		case <-quit:
			logger.Info().Msg("shutting down; received SIGINT/SIGTERM")
			if _, err := r.Stop(false); err != nil {
				logger.Fatal().Err(err).Msg("failed to stop cleanly")
			}
			return
		}
	}
}
