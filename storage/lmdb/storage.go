// Package lmdb implements the DataStorage half of PeerStorage on top of
// an embedded LMDB environment, for trackers that want auth keys,
// whitelist entries, and download counters to survive a restart without
// standing up Postgres or Redis. Peer swarm membership (C2), which
// churns far more than that bookkeeping, is kept in memory exactly as
// storage/memory does it: LMDB earns its keep on small, durable state,
// not on every announce.
package lmdb

import (
	"bytes"
	"math"
	"net/netip"
	"sync"
	"time"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/cespare/xxhash/v2"

	"github.com/sot-tech/chihaya-tracker/bittorrent"
	"github.com/sot-tech/chihaya-tracker/pkg/conf"
	"github.com/sot-tech/chihaya-tracker/pkg/log"
	"github.com/sot-tech/chihaya-tracker/pkg/metrics"
	"github.com/sot-tech/chihaya-tracker/pkg/stop"
	"github.com/sot-tech/chihaya-tracker/pkg/timecache"
	"github.com/sot-tech/chihaya-tracker/storage"
)

// Name is the name by which this peer store is registered.
const Name = "lmdb"

const (
	defaultShardCount = 1024
	defaultMapSize    = 64 << 20 // 64MiB, grown automatically by lmdb-go on MDB_MAP_FULL
	dataDBIName       = "data"
)

var logger = log.NewLogger(Name)

func init() {
	storage.RegisterBuilder(Name, builder)
}

func builder(icfg conf.MapConfig) (storage.PeerStorage, error) {
	var cfg Config
	if err := icfg.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return NewPeerStorage(cfg)
}

// Config holds the configuration of an lmdb-backed PeerStorage.
type Config struct {
	Path                        string `cfg:"path"`
	MapSize                     int64  `cfg:"map_size"`
	ShardCount                  int    `cfg:"shard_count"`
	GarbageCollectionInterval   time.Duration `cfg:"gc_interval"`
	PrometheusReportingInterval time.Duration `cfg:"prometheus_reporting_interval"`
	PeerLifetime                time.Duration `cfg:"peer_lifetime"`
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything invalid.
func (cfg Config) Validate() Config {
	validCfg := cfg
	if cfg.MapSize <= 0 {
		validCfg.MapSize = defaultMapSize
	}
	if cfg.ShardCount <= 0 || cfg.ShardCount > (math.MaxInt/2) {
		validCfg.ShardCount = defaultShardCount
	}
	return validCfg
}

// NewPeerStorage opens (creating if absent) an LMDB environment at
// cfg.Path and returns a PeerStorage backed by it for durable data and
// by memory for peer swarm membership.
func NewPeerStorage(provided Config) (storage.PeerStorage, error) {
	cfg := provided.Validate()

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, err
	}
	if err = env.SetMapSize(cfg.MapSize); err != nil {
		return nil, err
	}
	if err = env.SetMaxDBs(1); err != nil {
		return nil, err
	}
	if err = env.Open(cfg.Path, lmdb.NoTLS, 0644); err != nil {
		return nil, err
	}

	var dbi lmdb.DBI
	err = env.Update(func(txn *lmdb.Txn) error {
		var err error
		dbi, err = txn.CreateDBI(dataDBIName)
		return err
	})
	if err != nil {
		_ = env.Close()
		return nil, err
	}

	ps := &peerStore{
		cfg:    cfg,
		env:    env,
		dbi:    dbi,
		shards: make([]*peerShard, cfg.ShardCount*2),
		closed: make(chan struct{}),
	}
	for i := range ps.shards {
		ps.shards[i] = &peerShard{swarms: make(map[bittorrent.InfoHash]swarm)}
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
	sync.RWMutex
}

type swarm struct {
	seeders  map[string]int64
	leechers map[string]int64
}

type peerStore struct {
	cfg    Config
	env    *lmdb.Env
	dbi    lmdb.DBI
	shards []*peerShard

	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.PeerStorage = (*peerStore)(nil)

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
		shard.swarms[ih] = swarm{seeders: make(map[string]int64), leechers: make(map[string]int64)}
	}
	if _, ok := shard.swarms[ih].seeders[pk]; !ok {
		shard.numSeeders++
	}
	shard.swarms[ih].seeders[pk] = timecache.NowUnixNano()
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
		shard.swarms[ih] = swarm{seeders: make(map[string]int64), leechers: make(map[string]int64)}
	}
	if _, ok := shard.swarms[ih].leechers[pk]; !ok {
		shard.numLeechers++
	}
	shard.swarms[ih].leechers[pk] = timecache.NowUnixNano()
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
		shard.swarms[ih] = swarm{seeders: make(map[string]int64), leechers: make(map[string]int64)}
	}
	_, wasLeecher := shard.swarms[ih].leechers[pk]
	if wasLeecher {
		shard.numLeechers--
		delete(shard.swarms[ih].leechers, pk)
	}
	if _, ok := shard.swarms[ih].seeders[pk]; !ok {
		shard.numSeeders++
	}
	shard.swarms[ih].seeders[pk] = timecache.NowUnixNano()

	// Only a peer that was actually a leecher is completing its download
	// for the first time; a repeat Completed from an already-graduated
	// peer must not bump the snatch counter again.
	if !wasLeecher {
		return nil
	}

	key := downloadCounterKey(ih)
	return ps.env.Update(func(txn *lmdb.Txn) error {
		return bumpCounter(txn, ps.dbi, key)
	})
}

func downloadCounterKey(ih bittorrent.InfoHash) []byte {
	return append([]byte("snatch\x00"), []byte(ih)...)
}

func bumpCounter(txn *lmdb.Txn, dbi lmdb.DBI, key []byte) error {
	var cur int64
	if v, err := txn.Get(dbi, key); err == nil && len(v) == 8 {
		for i := 0; i < 8; i++ {
			cur = cur<<8 | int64(v[i])
		}
	} else if err != nil && !lmdb.IsNotFound(err) {
		return err
	}
	cur++
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(cur)
		cur >>= 8
	}
	return txn.Put(dbi, key, buf, 0)
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
	take := func(set map[string]int64) {
		for pk := range set {
			if numWant == 0 {
				return
			}
			if pk == announcerPK {
				continue
			}
			p, _ := bittorrent.NewPeer(pk)
			peers = append(peers, p)
			numWant--
		}
	}

	if forSeeder {
		take(sw.leechers)
	} else {
		take(sw.seeders)
		take(sw.leechers)
	}

	if len(peers) == 0 {
		err = storage.ErrResourceDoesNotExist
	}
	return
}

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
		shard.RUnlock()
	}

	key := downloadCounterKey(ih)
	_ = ps.env.View(func(txn *lmdb.Txn) error {
		v, err := txn.Get(ps.dbi, key)
		if err != nil {
			return nil
		}
		var cur uint32
		for i := 0; i < 8 && i < len(v); i++ {
			cur = cur<<8 | uint32(v[i])
		}
		snatched = cur
		return nil
	})
	return
}

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
				start := time.Now()
				ps.gc(time.Now().Add(-peerLifeTime))
				storage.PromGCDurationMilliseconds.Observe(float64(time.Since(start).Milliseconds()))
				t.Reset(gcInterval)
			}
		}
	}()
}

func (ps *peerStore) gc(cutoff time.Time) {
	cutoffUnix := cutoff.UnixNano()
	for _, shard := range ps.shards {
		shard.Lock()
		for ih, sw := range shard.swarms {
			for pk, mtime := range sw.leechers {
				if mtime <= cutoffUnix {
					shard.numLeechers--
					delete(sw.leechers, pk)
				}
			}
			for pk, mtime := range sw.seeders {
				if mtime <= cutoffUnix {
					shard.numSeeders--
					delete(sw.seeders, pk)
				}
			}
			if len(sw.seeders)|len(sw.leechers) == 0 {
				delete(shard.swarms, ih)
			}
		}
		shard.Unlock()
	}
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
				}
			}
		}
	}()
}

func dataKey(ctx, key string) []byte {
	return append(append([]byte(ctx), 0), []byte(key)...)
}

// Put implements storage.DataStorage against the LMDB environment.
func (ps *peerStore) Put(ctx string, values ...storage.Entry) error {
	if len(values) == 0 {
		return nil
	}
	return ps.env.Update(func(txn *lmdb.Txn) error {
		for _, v := range values {
			s, ok := v.Value.(string)
			if !ok {
				s = string(v.Value.([]byte))
			}
			if err := txn.Put(ps.dbi, dataKey(ctx, v.Key), []byte(s), 0); err != nil {
				return err
			}
		}
		return nil
	})
}

// Contains implements storage.DataStorage.
func (ps *peerStore) Contains(ctx string, key string) (found bool, err error) {
	err = ps.env.View(func(txn *lmdb.Txn) error {
		_, gErr := txn.Get(ps.dbi, dataKey(ctx, key))
		if gErr == nil {
			found = true
			return nil
		}
		if lmdb.IsNotFound(gErr) {
			return nil
		}
		return gErr
	})
	return
}

// Load implements storage.DataStorage.
func (ps *peerStore) Load(ctx string, key string) (v any, err error) {
	err = ps.env.View(func(txn *lmdb.Txn) error {
		b, gErr := txn.Get(ps.dbi, dataKey(ctx, key))
		if gErr != nil {
			if lmdb.IsNotFound(gErr) {
				return nil
			}
			return gErr
		}
		v = string(b)
		return nil
	})
	return
}

// Delete implements storage.DataStorage.
func (ps *peerStore) Delete(ctx string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return ps.env.Update(func(txn *lmdb.Txn) error {
		for _, k := range keys {
			if err := txn.Del(ps.dbi, dataKey(ctx, k), nil); err != nil && !lmdb.IsNotFound(err) {
				return err
			}
		}
		return nil
	})
}

// Keys implements storage.DataStorage by cursoring over every entry
// whose key starts with ctx's dataKey prefix.
func (ps *peerStore) Keys(ctx string) (keys []string, err error) {
	prefix := dataKey(ctx, "")
	err = ps.env.View(func(txn *lmdb.Txn) error {
		cur, cErr := txn.OpenCursor(ps.dbi)
		if cErr != nil {
			return cErr
		}
		defer cur.Close()

		k, _, gErr := cur.Get(prefix, nil, lmdb.SetRange)
		for ; gErr == nil; k, _, gErr = cur.Get(nil, nil, lmdb.Next) {
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			keys = append(keys, string(k[len(prefix):]))
		}
		if gErr != nil && !lmdb.IsNotFound(gErr) {
			return gErr
		}
		return nil
	})
	return
}

// Preservable implements storage.DataStorage: the LMDB environment
// persists to disk across restarts.
func (*peerStore) Preservable() bool { return true }

func (ps *peerStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(ps.closed)
		ps.wg.Wait()
		ps.env.Close()
		c.Done()
	}()
	return c.Result()
}
