// Package list implements container with pre-defined
// list of torrent hashes from config file
package list

import (
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/sot-tech/chihaya-tracker/bittorrent"
	"github.com/sot-tech/chihaya-tracker/middleware/torrentapproval/container"
	"github.com/sot-tech/chihaya-tracker/pkg/log"
	"github.com/sot-tech/chihaya-tracker/storage"
)

// Name is the name by which this container driver is registered.
const Name = "list"

var logger = log.NewLogger(Name)

func init() {
	container.Register(Name, build)
}

// Config holds the configuration of the list container driver.
type Config struct {
	HashList   []string `yaml:"hash_list"`
	Invert     bool     `yaml:"invert"`
	StorageCtx string   `yaml:"storage_ctx"`
}

func build(confBytes []byte, st storage.PeerStorage) (container.Container, error) {
	c := new(Config)
	if err := yaml.Unmarshal(confBytes, c); err != nil {
		return nil, fmt.Errorf("unable to deserialise configuration: %v", err)
	}
	l := &List{
		Invert:     c.Invert,
		Storage:    st,
		StorageCtx: c.StorageCtx,
	}

	if len(l.StorageCtx) == 0 {
		logger.Info().Str("default", container.DefaultStorageCtxName).Msg("storage context not set, using default")
		l.StorageCtx = container.DefaultStorageCtxName
	}

	if len(c.HashList) > 0 {
		entries := make([]storage.Entry, 0, len(c.HashList))
		for _, hashString := range c.HashList {
			hashBytes, err := hex.DecodeString(hashString)
			if err != nil {
				return nil, fmt.Errorf("whitelist : invalid hash %s, %v", hashString, err)
			}
			ih, err := bittorrent.NewInfoHash(hashBytes)
			if err != nil {
				return nil, fmt.Errorf("whitelist : %s : %v", hashString, err)
			}
			entries = append(entries, storage.Entry{Key: ih.RawString(), Value: true})
		}
		if err := l.Storage.Put(l.StorageCtx, entries...); err != nil {
			return nil, fmt.Errorf("whitelist : %v", err)
		}
	}
	return l, nil
}

// List is a Container backed by a fixed list of InfoHashes, seeded at
// startup from configuration and stored in the shared DataStorage
// namespace so every tracker node shares the same whitelist.
type List struct {
	Invert     bool
	Storage    storage.PeerStorage
	StorageCtx string
}

// Approved reports whether hash is in the list (or, if Invert is set,
// whether it is absent from it).
func (l *List) Approved(hash bittorrent.InfoHash) bool {
	b, err := l.Storage.Contains(l.StorageCtx, hash.RawString())
	if err != nil {
		logger.Warn().Err(err).Msg("failed to query whitelist")
		return false
	}
	return b != l.Invert
}
