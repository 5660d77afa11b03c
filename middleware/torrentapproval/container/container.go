// Package container abstracts the set of InfoHashes a tracker will
// announce/scrape for, decoupling the torrentapproval middleware from
// how that set is stored or computed (a fixed whitelist, a regexp, a
// remote API, ...).
package container

import (
	"fmt"

	"github.com/sot-tech/chihaya-tracker/bittorrent"
	"github.com/sot-tech/chihaya-tracker/storage"
)

// DefaultStorageCtxName is the DataStorage namespace a Container uses
// when its own configuration does not specify one.
const DefaultStorageCtxName = "torrent_approval_list"

// Container reports whether an InfoHash is approved for tracking.
type Container interface {
	Approved(hash bittorrent.InfoHash) bool
}

// Builder constructs a Container from a driver's own YAML configuration
// block, plus the PeerStorage backing its DataStorage namespace.
type Builder func(confBytes []byte, st storage.PeerStorage) (Container, error)

var builders = make(map[string]Builder)

// Register makes a Container driver available under name. Called from a
// driver package's init function.
func Register(name string, b Builder) {
	if _, ok := builders[name]; ok {
		panic("container: builder already registered for " + name)
	}
	builders[name] = b
}

// New builds a Container for the named driver using confBytes.
func New(name string, confBytes []byte, st storage.PeerStorage) (Container, error) {
	b, ok := builders[name]
	if !ok {
		return nil, fmt.Errorf("container: no builder registered for %q", name)
	}
	return b(confBytes, st)
}
