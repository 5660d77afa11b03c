// Package storage defines the interfaces that every peer-store and
// data-store driver implements, plus the registry that lets main select
// a driver by name from configuration.
package storage

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sot-tech/chihaya-tracker/bittorrent"
	"github.com/sot-tech/chihaya-tracker/pkg/conf"
	"github.com/sot-tech/chihaya-tracker/pkg/stop"
)

// ErrResourceDoesNotExist is the error returned by all delete methods and
// by AnnouncePeers/ScrapeSwarm lookups in this package when a swarm or
// peer cannot be found.
var ErrResourceDoesNotExist = bittorrent.ClientError("resource does not exist")

// Prom* are the Prometheus collectors shared by every PeerStorage driver;
// declaring them here (rather than per-driver) keeps the exported metric
// names stable across backends.
var (
	PromInfoHashesCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chihaya_storage_infohashes_count",
		Help: "The number of Infohashes tracked",
	})

	PromSeedersCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chihaya_storage_seeders_count",
		Help: "The number of seeders tracked",
	})

	PromLeechersCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chihaya_storage_leechers_count",
		Help: "The number of leechers tracked",
	})

	PromGCDurationMilliseconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chihaya_storage_gc_duration_milliseconds",
		Help:    "The time it takes to perform storage garbage collection",
		Buckets: prometheus.ExponentialBuckets(0.1, 1.5, 15),
	})
)

// PeerStorage is implemented by every peer-store driver (memory, pg,
// redis, ...). It tracks swarm membership (C2) and exposes the data it
// holds for scraping (C3).
type PeerStorage interface {
	// PutSeeder adds a seeder for the given InfoHash, or refreshes its
	// last-announce time if already present.
	PutSeeder(ih bittorrent.InfoHash, p bittorrent.Peer) error

	// DeleteSeeder removes a seeder from the given InfoHash's swarm. It
	// returns ErrResourceDoesNotExist if the swarm or peer is unknown.
	DeleteSeeder(ih bittorrent.InfoHash, p bittorrent.Peer) error

	// PutLeecher adds a leecher for the given InfoHash, or refreshes its
	// last-announce time if already present.
	PutLeecher(ih bittorrent.InfoHash, p bittorrent.Peer) error

	// DeleteLeecher removes a leecher from the given InfoHash's swarm. It
	// returns ErrResourceDoesNotExist if the swarm or peer is unknown.
	DeleteLeecher(ih bittorrent.InfoHash, p bittorrent.Peer) error

	// GraduateLeecher moves a peer from leecher to seeder status,
	// inserting it as a seeder if it was not already tracked.
	GraduateLeecher(ih bittorrent.InfoHash, p bittorrent.Peer) error

	// AnnouncePeers returns up to numWant peers from the given InfoHash's
	// swarm, excluding announcer itself. If forSeeder is true the
	// announcing peer is a seeder, so only leechers are returned;
	// otherwise seeders are preferred and leechers fill any remainder.
	AnnouncePeers(ih bittorrent.InfoHash, forSeeder bool, numWant int, announcer bittorrent.Peer) (peers []bittorrent.Peer, err error)

	// ScrapeSwarm returns the current leecher/seeder/snatch counts for
	// the given InfoHash.
	ScrapeSwarm(ih bittorrent.InfoHash) (leechers, seeders, snatched uint32)

	// ScheduleGC starts a background loop that evicts peers which have
	// not announced within peerLifeTime, running every gcInterval.
	ScheduleGC(gcInterval, peerLifeTime time.Duration)

	// ScheduleStatisticsCollection starts a background loop that reports
	// aggregate swarm counts to Prometheus every reportInterval, when
	// metrics.Enabled().
	ScheduleStatisticsCollection(reportInterval time.Duration)

	// DataStorage exposes this driver's generic key/value store, used
	// for auth keys, whitelists, and persistent download counters.
	DataStorage

	stop.Stopper
}

// Entry is a single key/value pair stored under a DataStorage context.
type Entry struct {
	Key   string
	Value any
}

// Pair is a generic two-sided tuple, used by consumers (such as the
// torrentapproval whitelist) that need to associate two values without
// committing to a DataStorage schema.
type Pair struct {
	Left, Right any
}

// DataStorage is a generic namespaced key/value store. Each driver may
// back it with the same medium as its PeerStorage (e.g. the same
// Postgres table space) or an entirely separate one.
type DataStorage interface {
	// Put stores the given values under ctx, a namespace such as an auth
	// key's hex string or "whitelist".
	Put(ctx string, values ...Entry) error

	// Contains reports whether key is stored under ctx.
	Contains(ctx string, key string) (bool, error)

	// Load returns the value stored under ctx/key, or nil if absent.
	Load(ctx string, key string) (any, error)

	// Delete removes the given keys from ctx.
	Delete(ctx string, keys ...string) error

	// Keys enumerates every key currently stored under ctx, in no
	// particular order.
	Keys(ctx string) ([]string, error)

	// Preservable reports whether this DataStorage survives process
	// restarts (true for pg/redis/lmdb, false for memory).
	Preservable() bool
}

// Builder constructs a PeerStorage from driver-specific configuration.
type Builder func(cfg conf.MapConfig) (PeerStorage, error)

var builders = make(map[string]Builder)

// RegisterBuilder makes a PeerStorage driver available under name. It is
// meant to be called from a driver package's init function.
func RegisterBuilder(name string, b Builder) {
	if _, ok := builders[name]; ok {
		panic("storage: builder already registered for " + name)
	}
	builders[name] = b
}

// NewStorage builds a PeerStorage for the named driver using cfg.
func NewStorage(name string, cfg conf.MapConfig) (PeerStorage, error) {
	b, ok := builders[name]
	if !ok {
		return nil, fmt.Errorf("storage: no builder registered for %q", name)
	}
	return b(cfg)
}
