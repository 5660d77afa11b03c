// Package redis implements the PeerStorage interface for a BitTorrent
// tracker keeping peer data in Redis, one hash per infohash/address-family/
// role combination. There are five categories of key:
//
//   - CHI_{L,S}{4,6}_<HASH> (hash)
//     peers holding the infohash, keyed by serialized peer, valued by
//     last-announce time; used for fast lookup, deletion, and GC.
//
//   - CHI_I (set)
//     every infohash key currently in use, used for GC and statistics.
//
//   - CHI_D (hash)
//     per-infohash download (snatch) counters.
//
//   - CHI_C_S / CHI_C_L (string)
//     global seeder/leecher counters.
package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sot-tech/chihaya-tracker/bittorrent"
	"github.com/sot-tech/chihaya-tracker/pkg/conf"
	"github.com/sot-tech/chihaya-tracker/pkg/log"
	"github.com/sot-tech/chihaya-tracker/pkg/metrics"
	"github.com/sot-tech/chihaya-tracker/pkg/stop"
	"github.com/sot-tech/chihaya-tracker/pkg/timecache"
	"github.com/sot-tech/chihaya-tracker/storage"
)

const (
	// Name is the name by which this peer store is registered.
	Name = "redis"

	defaultRedisAddress   = "127.0.0.1:6379"
	defaultReadTimeout    = time.Second * 15
	defaultWriteTimeout   = time.Second * 15
	defaultConnectTimeout = time.Second * 15

	// PrefixKey is prepended to the ctx argument of every DataStorage call.
	PrefixKey = "CHI_"
	// IHKey is the set of every in-use infohash key.
	IHKey = "CHI_I"
	// IH4SeederKey prefixes IPv4 seeder hash keys.
	IH4SeederKey = "CHI_S4_"
	// IH6SeederKey prefixes IPv6 seeder hash keys.
	IH6SeederKey = "CHI_S6_"
	// IH4LeecherKey prefixes IPv4 leecher hash keys.
	IH4LeecherKey = "CHI_L4_"
	// IH6LeecherKey prefixes IPv6 leecher hash keys.
	IH6LeecherKey = "CHI_L6_"
	// CountSeederKey is the global seeder counter.
	CountSeederKey = "CHI_C_S"
	// CountLeecherKey is the global leecher counter.
	CountLeecherKey = "CHI_C_L"
	// CountDownloadsKey is the per-infohash download counter hash.
	CountDownloadsKey = "CHI_D"
)

var (
	logger = log.NewLogger(Name)

	errSentinelAndClusterChecked = errors.New("unable to use both cluster and sentinel mode")
)

func init() {
	storage.RegisterBuilder(Name, builder)
}

func builder(icfg conf.MapConfig) (storage.PeerStorage, error) {
	var cfg Config
	if err := icfg.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return newStore(cfg)
}

func newStore(cfg Config) (*store, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	rs, err := cfg.Connect()
	if err != nil {
		return nil, err
	}

	return &store{Connection: rs, closed: make(chan any)}, nil
}

// Config holds the configuration of a redis PeerStorage.
type Config struct {
	Addresses      []string
	DB             int
	PoolSize       int `cfg:"pool_size"`
	Login          string
	Password       string
	Sentinel       bool
	SentinelMaster string `cfg:"sentinel_master"`
	Cluster        bool
	ReadTimeout    time.Duration `cfg:"read_timeout"`
	WriteTimeout   time.Duration `cfg:"write_timeout"`
	ConnectTimeout time.Duration `cfg:"connect_timeout"`
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid.
func (cfg Config) Validate() (Config, error) {
	if cfg.Sentinel && cfg.Cluster {
		return cfg, errSentinelAndClusterChecked
	}

	validCfg := cfg

	addresses := make([]string, 0, len(cfg.Addresses))
	for _, a := range cfg.Addresses {
		if len(strings.TrimSpace(a)) > 0 {
			addresses = append(addresses, a)
		}
	}
	validCfg.Addresses = addresses
	if len(validCfg.Addresses) == 0 {
		validCfg.Addresses = []string{defaultRedisAddress}
		logger.Warn().Str("name", "addresses").Strs("default", validCfg.Addresses).Msg("falling back to default configuration")
	}

	if cfg.ReadTimeout <= 0 {
		validCfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		validCfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		validCfg.ConnectTimeout = defaultConnectTimeout
	}

	return validCfg, nil
}

// Connect creates a redis client from configuration.
func (cfg Config) Connect() (con Connection, err error) {
	var rs goredis.UniversalClient
	switch {
	case cfg.Cluster:
		rs = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:        cfg.Addresses,
			Username:     cfg.Login,
			Password:     cfg.Password,
			DialTimeout:  cfg.ConnectTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
		})
	case cfg.Sentinel:
		rs = goredis.NewFailoverClient(&goredis.FailoverOptions{
			SentinelAddrs:    cfg.Addresses,
			SentinelUsername: cfg.Login,
			SentinelPassword: cfg.Password,
			MasterName:       cfg.SentinelMaster,
			DialTimeout:      cfg.ConnectTimeout,
			ReadTimeout:      cfg.ReadTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			PoolSize:         cfg.PoolSize,
			DB:               cfg.DB,
		})
	default:
		rs = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Addresses[0],
			Username:     cfg.Login,
			Password:     cfg.Password,
			DialTimeout:  cfg.ConnectTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			DB:           cfg.DB,
		})
	}
	if err = rs.Ping(context.Background()).Err(); err == nil {
		return Connection{rs}, nil
	}
	_ = rs.Close()
	return Connection{}, err
}

// Connection wraps goredis.UniversalClient with this module's storage
// interfaces.
type Connection struct {
	goredis.UniversalClient
}

type store struct {
	Connection
	closed chan any
	wg     sync.WaitGroup
}

var _ storage.PeerStorage = (*store)(nil)

// AsNil returns nil if err is goredis.Nil, otherwise returns err.
func AsNil(err error) error {
	if err == nil || errors.Is(err, goredis.Nil) {
		return nil
	}
	return err
}

func (ps *store) count(key string, isSet bool) (n uint64) {
	var err error
	if isSet {
		n, err = ps.SCard(context.Background(), key).Uint64()
	} else {
		n, err = ps.Get(context.Background(), key).Uint64()
	}
	if err = AsNil(err); err != nil {
		logger.Error().Err(err).Str("key", key).Msg("GET/SCARD failure")
	}
	return
}

func (ps *store) getClock() int64 { return timecache.NowUnixNano() }

func (ps *store) tx(txf func(tx goredis.Pipeliner) error) (err error) {
	cmds, txErr := ps.TxPipelined(context.TODO(), txf)
	if txErr != nil {
		return txErr
	}
	var errs []string
	for _, c := range cmds {
		if err := c.Err(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		err = errors.New(strings.Join(errs, "; "))
	}
	return
}

// InfoHashKey builds the hash key for a given infohash/role/family.
func InfoHashKey(infoHash string, seeder, v6 bool) string {
	var key string
	switch {
	case seeder && v6:
		key = IH6SeederKey
	case seeder:
		key = IH4SeederKey
	case v6:
		key = IH6LeecherKey
	default:
		key = IH4LeecherKey
	}
	return key + infoHash
}

func (ps *store) putPeer(infoHashKey, peerCountKey, peerID string) error {
	return ps.tx(func(tx goredis.Pipeliner) error {
		if err := tx.HSet(context.TODO(), infoHashKey, peerID, ps.getClock()).Err(); err != nil {
			return err
		}
		if err := tx.Incr(context.TODO(), peerCountKey).Err(); err != nil {
			return err
		}
		return tx.SAdd(context.TODO(), IHKey, infoHashKey).Err()
	})
}

func (ps *store) delPeer(infoHashKey, peerCountKey, peerID string) error {
	deleted, err := ps.HDel(context.TODO(), infoHashKey, peerID).Uint64()
	if err = AsNil(err); err != nil {
		return err
	}
	if deleted == 0 {
		return storage.ErrResourceDoesNotExist
	}
	return ps.Decr(context.TODO(), peerCountKey).Err()
}

func (ps *store) PutSeeder(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	return ps.putPeer(InfoHashKey(ih.RawString(), true, p.Addr().Is6()), CountSeederKey, p.RawString())
}

func (ps *store) DeleteSeeder(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	return ps.delPeer(InfoHashKey(ih.RawString(), true, p.Addr().Is6()), CountSeederKey, p.RawString())
}

func (ps *store) PutLeecher(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	return ps.putPeer(InfoHashKey(ih.RawString(), false, p.Addr().Is6()), CountLeecherKey, p.RawString())
}

func (ps *store) DeleteLeecher(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	return ps.delPeer(InfoHashKey(ih.RawString(), false, p.Addr().Is6()), CountLeecherKey, p.RawString())
}

func (ps *store) GraduateLeecher(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	infoHash, peerID, isV6 := ih.RawString(), p.RawString(), p.Addr().Is6()
	ihSeederKey, ihLeecherKey := InfoHashKey(infoHash, true, isV6), InfoHashKey(infoHash, false, isV6)

	// HDel's result is a future inside a pipeline, so it can't gate later
	// commands in the same MULTI/EXEC. Issue it standalone first: only a
	// peer that was actually removed from the leecher set (i.e. this is
	// its first Completed) advances the leecher count down and the
	// per-torrent download counter up, so a repeat Completed from an
	// already-graduated peer leaves downloaded untouched.
	deleted, err := ps.HDel(context.TODO(), ihLeecherKey, peerID).Uint64()
	if err = AsNil(err); err != nil {
		return err
	}

	return ps.tx(func(tx goredis.Pipeliner) error {
		if deleted > 0 {
			if err := tx.Decr(context.TODO(), CountLeecherKey).Err(); err != nil {
				return err
			}
		}
		if err := tx.HSet(context.TODO(), ihSeederKey, peerID, ps.getClock()).Err(); err != nil {
			return err
		}
		if err := tx.Incr(context.TODO(), CountSeederKey).Err(); err != nil {
			return err
		}
		if err := tx.SAdd(context.TODO(), IHKey, ihSeederKey).Err(); err != nil {
			return err
		}
		if deleted > 0 {
			return tx.HIncrBy(context.TODO(), CountDownloadsKey, infoHash, 1).Err()
		}
		return nil
	})
}

func (ps *Connection) parsePeersList(res *goredis.StringSliceCmd) (peers []bittorrent.Peer, err error) {
	peerIDs, err := res.Result()
	if err = AsNil(err); err == nil {
		for _, peerID := range peerIDs {
			if p, pErr := bittorrent.NewPeer(peerID); pErr == nil {
				peers = append(peers, p)
			} else {
				logger.Error().Err(pErr).Str("peerID", peerID).Msg("unable to decode peer")
			}
		}
	}
	return
}

func (ps *store) AnnouncePeers(ih bittorrent.InfoHash, forSeeder bool, numWant int, announcer bittorrent.Peer) (out []bittorrent.Peer, err error) {
	isV6 := announcer.Addr().Is6()
	infoHash := ih.RawString()

	infoHashKeys := make([]string, 1, 2)
	if forSeeder {
		infoHashKeys[0] = InfoHashKey(infoHash, false, isV6)
	} else {
		infoHashKeys[0] = InfoHashKey(infoHash, true, isV6)
		infoHashKeys = append(infoHashKeys, InfoHashKey(infoHash, false, isV6))
	}

	announcerPK := announcer.RawString()
	remaining := numWant + 1 // fetch one extra to cover filtering the announcer out
	for _, infoHashKey := range infoHashKeys {
		peers, pErr := ps.parsePeersList(ps.HRandField(context.TODO(), infoHashKey, remaining, false))
		if pErr != nil {
			err = pErr
			break
		}
		for _, p := range peers {
			if p.RawString() == announcerPK {
				continue
			}
			out = append(out, p)
		}
		remaining = numWant - len(out) + 1
		if remaining <= 0 {
			break
		}
	}

	if len(out) > numWant {
		out = out[:numWant]
	}

	if err == nil && len(out) == 0 {
		err = storage.ErrResourceDoesNotExist
	}

	return
}

func (ps *Connection) countPeers(infoHashKey string) uint32 {
	count, err := ps.HLen(context.TODO(), infoHashKey).Result()
	if err = AsNil(err); err != nil {
		logger.Error().Err(err).Str("infoHashKey", infoHashKey).Msg("HLEN failure")
	}
	return uint32(count)
}

func (ps *store) ScrapeSwarm(ih bittorrent.InfoHash) (leechers, seeders, snatched uint32) {
	infoHash := ih.RawString()

	leechers = ps.countPeers(InfoHashKey(infoHash, false, false)) + ps.countPeers(InfoHashKey(infoHash, false, true))
	seeders = ps.countPeers(InfoHashKey(infoHash, true, false)) + ps.countPeers(InfoHashKey(infoHash, true, true))

	d, err := ps.HGet(context.TODO(), CountDownloadsKey, infoHash).Uint64()
	if err = AsNil(err); err != nil {
		logger.Error().Err(err).Str("infoHash", infoHash).Msg("downloads count calculation failure")
	}
	snatched = uint32(d)

	return
}

const argNumErrorMsg = "ERR wrong number of arguments"

func (ps *Connection) Put(ctx string, values ...storage.Entry) (err error) {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, 0, len(values)*2)
	for _, p := range values {
		args = append(args, p.Key, p.Value)
	}
	err = ps.HSet(context.TODO(), PrefixKey+ctx, args...).Err()
	if err != nil && strings.Contains(err.Error(), argNumErrorMsg) {
		logger.Warn().Msg("this redis implementation does not support variadic HSET arguments, falling back")
		for _, p := range values {
			if err = ps.HSet(context.TODO(), PrefixKey+ctx, p.Key, p.Value).Err(); err != nil {
				break
			}
		}
	}
	return
}

func (ps *Connection) Contains(ctx string, key string) (bool, error) {
	exist, err := ps.HExists(context.TODO(), PrefixKey+ctx, key).Result()
	return exist, AsNil(err)
}

func (ps *Connection) Load(ctx string, key string) (v any, err error) {
	s, err := ps.HGet(context.TODO(), PrefixKey+ctx, key).Result()
	if err = AsNil(err); err == nil && s != "" {
		v = s
	}
	return
}

func (ps *Connection) Delete(ctx string, keys ...string) (err error) {
	if len(keys) == 0 {
		return nil
	}
	err = AsNil(ps.HDel(context.TODO(), PrefixKey+ctx, keys...).Err())
	if err != nil && strings.Contains(err.Error(), argNumErrorMsg) {
		logger.Warn().Msg("this redis implementation does not support variadic HDEL arguments, falling back")
		for _, k := range keys {
			if err = AsNil(ps.HDel(context.TODO(), PrefixKey+ctx, k).Err()); err != nil {
				break
			}
		}
	}
	return
}

func (ps *Connection) Keys(ctx string) ([]string, error) {
	keys, err := ps.HKeys(context.TODO(), PrefixKey+ctx).Result()
	return keys, AsNil(err)
}

// Preservable implements storage.DataStorage: Redis-backed data survives
// process restarts.
func (*Connection) Preservable() bool { return true }

func (ps *store) ScheduleGC(gcInterval, peerLifeTime time.Duration) {
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
				duration := time.Since(start)
				storage.PromGCDurationMilliseconds.Observe(float64(duration.Milliseconds()))
				t.Reset(gcInterval)
			}
		}
	}()
}

func (ps *store) ScheduleStatisticsCollection(reportInterval time.Duration) {
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
					storage.PromInfoHashesCount.Set(float64(ps.count(IHKey, true)))
					storage.PromSeedersCount.Set(float64(ps.count(CountSeederKey, false)))
					storage.PromLeechersCount.Set(float64(ps.count(CountLeecherKey, false)))
				}
			}
		}
	}()
}

// gc evicts stale peers. See the upstream mochi redis driver's
// documentation of this algorithm's race-safety: deletions never remove
// an infohash key from the IHKey set nor decrement its addressFamily
// hash; only gc does, under a WATCH so a concurrent Put aborts the
// transaction instead of racing it.
func (ps *store) gc(cutoff time.Time) {
	cutoffNanos := cutoff.UnixNano()

	infoHashKeys, err := ps.SMembers(context.Background(), IHKey).Result()
	if err = AsNil(err); err != nil {
		logger.Error().Err(err).Str("hashSet", IHKey).Msg("unable to fetch info hash keys")
		return
	}

	for _, infoHashKey := range infoHashKeys {
		var cntKey string
		switch {
		case strings.HasPrefix(infoHashKey, IH4SeederKey), strings.HasPrefix(infoHashKey, IH6SeederKey):
			cntKey = CountSeederKey
		case strings.HasPrefix(infoHashKey, IH4LeecherKey), strings.HasPrefix(infoHashKey, IH6LeecherKey):
			cntKey = CountLeecherKey
		default:
			logger.Warn().Str("infoHashKey", infoHashKey).Msg("unexpected record found in info hash set")
			continue
		}

		peerList, err := ps.HGetAll(context.Background(), infoHashKey).Result()
		if err = AsNil(err); err != nil {
			logger.Error().Err(err).Str("infoHashKey", infoHashKey).Msg("unable to fetch info hash peers")
			continue
		}

		var peersToRemove []string
		for peerID, timeStamp := range peerList {
			if mtime, pErr := strconv.ParseInt(timeStamp, 10, 64); pErr == nil {
				if mtime <= cutoffNanos {
					peersToRemove = append(peersToRemove, peerID)
				}
			}
		}

		if len(peersToRemove) > 0 {
			removed, err := ps.HDel(context.Background(), infoHashKey, peersToRemove...).Result()
			if err = AsNil(err); err != nil {
				logger.Error().Err(err).Str("infoHashKey", infoHashKey).Msg("unable to delete stale peers")
			} else if removed > 0 {
				if err = ps.DecrBy(context.Background(), cntKey, removed).Err(); err != nil {
					logger.Error().Err(err).Str("countKey", cntKey).Msg("unable to decrement peer count")
				}
			}
		}

		err = AsNil(ps.Watch(context.Background(), func(tx *goredis.Tx) error {
			n, wErr := tx.HLen(context.Background(), infoHashKey).Uint64()
			if wErr = AsNil(wErr); wErr == nil && n == 0 {
				wErr = tx.SRem(context.Background(), IHKey, infoHashKey).Err()
			}
			return wErr
		}, infoHashKey))
		if err != nil {
			logger.Error().Err(err).Str("infoHashKey", infoHashKey).Msg("unable to clean info hash record")
		}
	}
}

func (ps *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(ps.closed)
		ps.wg.Wait()
		var err error
		if ps.UniversalClient != nil {
			logger.Info().Msg("redis exiting; keys with prefix " + PrefixKey + " are left in place")
			err = ps.UniversalClient.Close()
		}
		c.Done(err)
	}()
	return c.Result()
}
