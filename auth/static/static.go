// Package static implements an auth.Store backed by a storage.DataStorage
// instance — the same PeerStorage drivers (memory/pg/redis/lmdb) already
// in use for swarm data double as the key store, so a private tracker
// needs no separate auth backend.
package static

import (
	"sync"
	"time"

	"github.com/sot-tech/chihaya-tracker/auth"
	"github.com/sot-tech/chihaya-tracker/pkg/conf"
	"github.com/sot-tech/chihaya-tracker/pkg/log"
	"github.com/sot-tech/chihaya-tracker/storage"
)

// Name is the name by which this auth driver is registered.
const Name = "static"

// dataCtx namespaces auth keys within the shared DataStorage.
const dataCtx = "auth_keys"

var logger = log.NewLogger(Name)

// Config holds the configuration of the static auth driver.
type Config struct {
	// InitialKeys seeds the store at startup, e.g. from an operator's
	// configuration file rather than a prior Generate call.
	InitialKeys []string `cfg:"initial_keys"`
}

// NewBuilder returns an auth.Builder bound to a concrete DataStorage, for
// main to register once the storage driver has been constructed:
//
//	auth.RegisterBuilder(static.Name, static.NewBuilder(peerStorage))
func NewBuilder(store storage.DataStorage) auth.Builder {
	return func(icfg conf.MapConfig) (auth.Store, error) {
		var cfg Config
		if err := icfg.Unmarshal(&cfg); err != nil {
			return nil, err
		}
		s := &keyStore{store: store}
		for _, k := range cfg.InitialKeys {
			if err := auth.Validate(k); err != nil {
				logger.Warn().Str("key", k).Msg("ignoring malformed initial key")
				continue
			}
			if err := s.put(auth.Key{Value: k}); err != nil {
				return nil, err
			}
		}
		return s, nil
	}
}

type keyStore struct {
	mu    sync.RWMutex
	store storage.DataStorage
}

func (s *keyStore) put(k auth.Key) error {
	var until string
	if !k.ValidUntil.IsZero() {
		until = k.ValidUntil.Format(time.RFC3339)
	}
	return s.store.Put(dataCtx, storage.Entry{Key: k.Value, Value: until})
}

func (s *keyStore) Generate(lifetime time.Duration) (auth.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, err := auth.Generate(lifetime)
	if err != nil {
		return auth.Key{}, err
	}
	return k, s.put(k)
}

func (s *keyStore) Authenticate(key string) error {
	if err := auth.Validate(key); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ok, err := s.store.Contains(dataCtx, key)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrUnknown
	}

	v, err := s.store.Load(dataCtx, key)
	if err != nil {
		return err
	}
	until, _ := v.(string)
	if until == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, until)
	if err != nil {
		return err
	}
	if time.Now().After(t) {
		return auth.ErrExpired
	}
	return nil
}

func (s *keyStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(dataCtx, key)
}

func (s *keyStore) List() ([]auth.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values, err := s.store.Keys(dataCtx)
	if err != nil {
		return nil, err
	}

	keys := make([]auth.Key, 0, len(values))
	for _, v := range values {
		k := auth.Key{Value: v}
		until, err := s.store.Load(dataCtx, v)
		if err != nil {
			return nil, err
		}
		if s, ok := until.(string); ok && s != "" {
			if k.ValidUntil, err = time.Parse(time.RFC3339, s); err != nil {
				return nil, err
			}
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *keyStore) ReloadFromStore() error {
	// The underlying storage.DataStorage is authoritative on every call
	// (Authenticate always re-reads it), so there is nothing to reload.
	return nil
}
