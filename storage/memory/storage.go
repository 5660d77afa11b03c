// Package memory implements the PeerStorage interface for a tracker
// keeping all peer data resident in memory, sharded across a configurable
// number of independently-locked swarms.
package memory

import (
	"fmt"
	"math"
	"net/netip"
	"reflect"
	"runtime"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/sot-tech/chihaya-tracker/bittorrent"
	"github.com/sot-tech/chihaya-tracker/pkg/conf"
	"github.com/sot-tech/chihaya-tracker/pkg/log"
	"github.com/sot-tech/chihaya-tracker/pkg/metrics"
	"github.com/sot-tech/chihaya-tracker/pkg/stop"
	"github.com/sot-tech/chihaya-tracker/pkg/timecache"
	"github.com/sot-tech/chihaya-tracker/storage"
)

// Default config constants.
const (
	// Name is the name by which this peer store is registered with Conf.
	Name              = "memory"
	defaultShardCount = 1024
)

var logger = log.NewLogger(Name)

func init() {
	// Register the storage driver.
	storage.RegisterBuilder(Name, Builder)
}

// Builder decodes cfg and constructs a memory-backed PeerStorage,
// matching the storage.Builder signature every driver registers.
func Builder(icfg conf.MapConfig) (storage.PeerStorage, error) {
	var cfg Config
	if err := icfg.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return NewPeerStorage(cfg)
}

// Config holds the configuration of a memory PeerStorage.
type Config struct {
	ShardCount                  int           `cfg:"shard_count"`
	GarbageCollectionInterval   time.Duration `cfg:"gc_interval"`
	PrometheusReportingInterval time.Duration `cfg:"prometheus_reporting_interval"`
	PeerLifetime                time.Duration `cfg:"peer_lifetime"`
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid, warning to the
// logger when a value is changed.
func (cfg Config) Validate() Config {
	validCfg := cfg

	if cfg.ShardCount <= 0 || cfg.ShardCount > (math.MaxInt/2) {
		validCfg.ShardCount = defaultShardCount
		logger.Warn().
			Str("name", "ShardCount").
			Int("provided", cfg.ShardCount).
			Int("default", validCfg.ShardCount).
			Msg("falling back to default configuration")
	}

	return validCfg
}

// NewPeerStorage creates a new PeerStorage backed by memory.
func NewPeerStorage(provided Config) (storage.PeerStorage, error) {
	cfg := provided.Validate()
	ps := &peerStore{
		cfg:         cfg,
		shards:      make([]*peerShard, cfg.ShardCount*2),
		DataStorage: NewDataStorage(),
		closed:      make(chan struct{}),
	}

	for i := 0; i < cfg.ShardCount*2; i++ {
		ps.shards[i] = &peerShard{
			swarms:   make(map[bittorrent.InfoHash]swarm),
			snatched: make(map[bittorrent.InfoHash]uint32),
		}
	}

	if cfg.GarbageCollectionInterval > 0 {
		ps.ScheduleGC(cfg.GarbageCollectionInterval, cfg.PeerLifetime)
	}
	if cfg.PrometheusReportingInterval > 0 {
		ps.ScheduleStatisticsCollection(cfg.PrometheusReportingInterval)
	}

	return ps, nil
}

type peerShard struct {
	swarms      map[bittorrent.InfoHash]swarm
	numSeeders  uint64
	numLeechers uint64
	// snatched counts completed downloads per infohash. Kept separate
	// from swarm since swarm's fields are maps accessed through the
	// shards map by value; a plain counter field can't be mutated that
	// way, and it outlives a swarm's peers emptying out and being
	// pruned.
	snatched map[bittorrent.InfoHash]uint32
	sync.RWMutex
}

type swarm struct {
	// map of serialized peer to last-announce Unix nanos.
	seeders  map[string]int64
	leechers map[string]int64
}

type peerStore struct {
	storage.DataStorage
	cfg    Config
	shards []*peerShard

	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.PeerStorage = &peerStore{}

func (ps *peerStore) ScheduleGC(gcInterval, peerLifeTime time.Duration) {
	ps.wg.Add(1)
	go func() {
		defer ps.wg.Done()
		t := time.NewTimer(gcInterval)
		defer t.Stop()
		for {
			select {
			case <-ps.closed:
				return
			case <-t.C:
				before := time.Now().Add(-peerLifeTime)
				logger.Debug().Time("before", before).Msg("purging peers with no announces since")
				start := time.Now()
				ps.gc(before)
				storage.PromGCDurationMilliseconds.Observe(float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond))
				t.Reset(gcInterval)
			}
		}
	}()
}

func (ps *peerStore) ScheduleStatisticsCollection(reportInterval time.Duration) {
	ps.wg.Add(1)
	go func() {
		defer ps.wg.Done()
		t := time.NewTicker(reportInterval)
		for {
			select {
			case <-ps.closed:
				t.Stop()
				return
			case <-t.C:
				if metrics.Enabled() {
					before := time.Now()
					var numInfohashes, numSeeders, numLeechers uint64

					for _, s := range ps.shards {
						s.RLock()
						numInfohashes += uint64(len(s.swarms))
						numSeeders += s.numSeeders
						numLeechers += s.numLeechers
						s.RUnlock()
					}

					storage.PromInfoHashesCount.Set(float64(numInfohashes))
					storage.PromSeedersCount.Set(float64(numSeeders))
					storage.PromLeechersCount.Set(float64(numLeechers))
					logger.Debug().Dur("timeTaken", time.Since(before)).Msg("populated prometheus gauges")
				}
			}
		}
	}()
}

func (ps *peerStore) getClock() int64 {
	return timecache.NowUnixNano()
}

// shardIndex selects a shard for ih/addr. The first half of ps.shards is
// dedicated to IPv4 swarms, the second half to IPv6 swarms, so each
// address family gets an independent lock and distribution. Shard
// selection within a family is hashed with xxhash rather than folding
// raw infohash bytes, since BEP 52 V2 infohashes and simple big-endian
// byte folds of V1 infohashes both cluster badly across a handful of
// high-traffic torrents.
func (ps *peerStore) shardIndex(infoHash bittorrent.InfoHash, addr netip.Addr) uint32 {
	half := uint32(len(ps.shards) / 2)
	idx := uint32(xxhash.Sum64String(string(infoHash)) % uint64(half))
	if addr.Is6() {
		idx += half
	}
	return idx
}

func (ps *peerStore) PutSeeder(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	pk := p.RawString()

	shard := ps.shards[ps.shardIndex(ih, p.Addr())]
	shard.Lock()
	defer shard.Unlock()

	if _, ok := shard.swarms[ih]; !ok {
		shard.swarms[ih] = swarm{
			seeders:  make(map[string]int64),
			leechers: make(map[string]int64),
		}
	}

	if _, ok := shard.swarms[ih].seeders[pk]; !ok {
		shard.numSeeders++
	}

	shard.swarms[ih].seeders[pk] = ps.getClock()
	return nil
}

func (ps *peerStore) DeleteSeeder(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	pk := p.RawString()

	shard := ps.shards[ps.shardIndex(ih, p.Addr())]
	shard.Lock()
	defer shard.Unlock()

	if _, ok := shard.swarms[ih]; !ok {
		return storage.ErrResourceDoesNotExist
	}

	if _, ok := shard.swarms[ih].seeders[pk]; !ok {
		return storage.ErrResourceDoesNotExist
	}

	shard.numSeeders--
	delete(shard.swarms[ih].seeders, pk)

	if len(shard.swarms[ih].seeders)|len(shard.swarms[ih].leechers) == 0 {
		delete(shard.swarms, ih)
	}

	return nil
}

func (ps *peerStore) PutLeecher(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	pk := p.RawString()

	shard := ps.shards[ps.shardIndex(ih, p.Addr())]
	shard.Lock()
	defer shard.Unlock()

	if _, ok := shard.swarms[ih]; !ok {
		shard.swarms[ih] = swarm{
			seeders:  make(map[string]int64),
			leechers: make(map[string]int64),
		}
	}

	if _, ok := shard.swarms[ih].leechers[pk]; !ok {
		shard.numLeechers++
	}

	shard.swarms[ih].leechers[pk] = ps.getClock()
	return nil
}

func (ps *peerStore) DeleteLeecher(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	pk := p.RawString()

	shard := ps.shards[ps.shardIndex(ih, p.Addr())]
	shard.Lock()
	defer shard.Unlock()

	if _, ok := shard.swarms[ih]; !ok {
		return storage.ErrResourceDoesNotExist
	}

	if _, ok := shard.swarms[ih].leechers[pk]; !ok {
		return storage.ErrResourceDoesNotExist
	}

	shard.numLeechers--
	delete(shard.swarms[ih].leechers, pk)

	if len(shard.swarms[ih].seeders)|len(shard.swarms[ih].leechers) == 0 {
		delete(shard.swarms, ih)
	}

	return nil
}

func (ps *peerStore) GraduateLeecher(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	pk := p.RawString()

	shard := ps.shards[ps.shardIndex(ih, p.Addr())]
	shard.Lock()
	defer shard.Unlock()

	if _, ok := shard.swarms[ih]; !ok {
		shard.swarms[ih] = swarm{
			seeders:  make(map[string]int64),
			leechers: make(map[string]int64),
		}
	}

	wasLeecher := false
	if _, ok := shard.swarms[ih].leechers[pk]; ok {
		wasLeecher = true
		shard.numLeechers--
		delete(shard.swarms[ih].leechers, pk)
	}

	if _, ok := shard.swarms[ih].seeders[pk]; !ok {
		shard.numSeeders++
	}

	shard.swarms[ih].seeders[pk] = ps.getClock()

	// Only count this as a completed download if the peer was actually a
	// leecher before: a repeat Completed from an already-graduated peer
	// must not bump the snatch counter again.
	if wasLeecher {
		shard.snatched[ih]++
	}

	return nil
}

func (ps *peerStore) AnnouncePeers(ih bittorrent.InfoHash, forSeeder bool, numWant int, announcer bittorrent.Peer) (peers []bittorrent.Peer, err error) {
	shard := ps.shards[ps.shardIndex(ih, announcer.Addr())]
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return nil, storage.ErrResourceDoesNotExist
	}

	announcerPK := announcer.RawString()

	if forSeeder {
		for pk := range sw.leechers {
			if numWant == 0 {
				break
			}
			if pk == announcerPK {
				continue
			}
			p, _ := bittorrent.NewPeer(pk)
			peers = append(peers, p)
			numWant--
		}
	} else {
		for pk := range sw.seeders {
			if numWant == 0 {
				break
			}
			if pk == announcerPK {
				continue
			}
			p, _ := bittorrent.NewPeer(pk)
			peers = append(peers, p)
			numWant--
		}

		if numWant > 0 {
			for pk := range sw.leechers {
				if pk == announcerPK {
					continue
				}
				if numWant == 0 {
					break
				}
				p, _ := bittorrent.NewPeer(pk)
				peers = append(peers, p)
				numWant--
			}
		}
	}

	if len(peers) == 0 {
		err = storage.ErrResourceDoesNotExist
	}

	return
}

// ScrapeSwarm reports the leecher/seeder counts for ih. Since a swarm may
// have members in both the IPv4 and IPv6 shard of ih, both are consulted
// and summed.
func (ps *peerStore) ScrapeSwarm(ih bittorrent.InfoHash) (leechers, seeders, snatched uint32) {
	half := uint32(len(ps.shards) / 2)
	idx := uint32(xxhash.Sum64String(string(ih)) % uint64(half))

	for _, shardIdx := range [2]uint32{idx, idx + half} {
		shard := ps.shards[shardIdx]
		shard.RLock()
		if sw, ok := shard.swarms[ih]; ok {
			leechers += uint32(len(sw.leechers))
			seeders += uint32(len(sw.seeders))
		}
		snatched += shard.snatched[ih]
		shard.RUnlock()
	}

	return
}

// NewDataStorage creates a new in-memory DataStorage.
func NewDataStorage() storage.DataStorage {
	return new(dataStore)
}

type dataStore struct {
	sync.Map
}

func asKey(in any) any {
	if in == nil {
		panic("unable to use nil map key")
	}
	if reflect.TypeOf(in).Comparable() {
		return in
	}
	return fmt.Sprint(in)
}

func (ds *dataStore) Put(ctx string, values ...storage.Entry) error {
	if len(values) > 0 {
		c, _ := ds.LoadOrStore(ctx, new(sync.Map))
		m := c.(*sync.Map)
		for _, p := range values {
			m.Store(asKey(p.Key), p.Value)
		}
	}
	return nil
}

func (ds *dataStore) Contains(ctx string, key string) (bool, error) {
	var exist bool
	if m, found := ds.Map.Load(ctx); found {
		_, exist = m.(*sync.Map).Load(asKey(key))
	}
	return exist, nil
}

func (ds *dataStore) Load(ctx string, key string) (any, error) {
	var v any
	if m, found := ds.Map.Load(ctx); found {
		v, _ = m.(*sync.Map).Load(asKey(key))
	}
	return v, nil
}

func (ds *dataStore) Delete(ctx string, keys ...string) error {
	if len(keys) > 0 {
		if m, found := ds.Map.Load(ctx); found {
			m := m.(*sync.Map)
			for _, k := range keys {
				m.Delete(asKey(k))
			}
		}
	}
	return nil
}

func (ds *dataStore) Keys(ctx string) (keys []string, err error) {
	if m, found := ds.Map.Load(ctx); found {
		m.(*sync.Map).Range(func(k, _ any) bool {
			keys = append(keys, fmt.Sprint(k))
			return true
		})
	}
	return
}

func (*dataStore) Preservable() bool { return false }

// gc deletes all peers from the PeerStorage which are older than cutoff.
// It must be safe to execute while other methods on this interface are
// being called in parallel, so it takes each shard's lock independently
// and yields between shards.
func (ps *peerStore) gc(cutoff time.Time) {
	select {
	case <-ps.closed:
		return
	default:
	}

	cutoffUnix := cutoff.UnixNano()

	for _, shard := range ps.shards {
		shard.RLock()
		var infohashes []bittorrent.InfoHash
		for ih := range shard.swarms {
			infohashes = append(infohashes, ih)
		}
		shard.RUnlock()
		runtime.Gosched()

		for _, ih := range infohashes {
			shard.Lock()

			if _, stillExists := shard.swarms[ih]; !stillExists {
				shard.Unlock()
				runtime.Gosched()
				continue
			}

			for pk, mtime := range shard.swarms[ih].leechers {
				if mtime <= cutoffUnix {
					shard.numLeechers--
					delete(shard.swarms[ih].leechers, pk)
				}
			}

			for pk, mtime := range shard.swarms[ih].seeders {
				if mtime <= cutoffUnix {
					shard.numSeeders--
					delete(shard.swarms[ih].seeders, pk)
				}
			}

			if len(shard.swarms[ih].seeders)|len(shard.swarms[ih].leechers) == 0 {
				delete(shard.swarms, ih)
			}

			shard.Unlock()
			runtime.Gosched()
		}
	}
}

func (ps *peerStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(ps.closed)
		ps.wg.Wait()

		shards := make([]*peerShard, len(ps.shards))
		for i := range shards {
			shards[i] = &peerShard{
				swarms:   make(map[bittorrent.InfoHash]swarm),
				snatched: make(map[bittorrent.InfoHash]uint32),
			}
		}
		ps.shards = shards

		c.Done()
	}()

	return c.Result()
}
