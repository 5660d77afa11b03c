// Package random provides deterministic pseudo-randomness derived from a
// request, so a middleware can jitter its response reproducibly across
// repeated announces from the same peer/torrent pair within a process.
package random

import (
	"encoding/binary"

	"github.com/sot-tech/chihaya-tracker/bittorrent"
)

// DeriveEntropyFromRequest generates 2*64 bits of pseudo random state from an
// AnnounceRequest.
//
// Calling DeriveEntropyFromRequest multiple times yields the same values.
func DeriveEntropyFromRequest(req *bittorrent.AnnounceRequest) (v0 uint64, v1 uint64) {
	if len(req.InfoHash) >= bittorrent.InfoHashV1Len {
		v0 = binary.BigEndian.Uint64([]byte(req.InfoHash[:8])) + binary.BigEndian.Uint64([]byte(req.InfoHash[8:16]))
	}
	v1 = binary.BigEndian.Uint64(req.Peer.ID[:8]) + binary.BigEndian.Uint64(req.Peer.ID[8:16])
	return
}

// Intn advances an xorshift128+ state (s0, s1) one step and returns a value
// in [0, n) along with the next state, so callers can chain further draws
// deterministically from the same seed.
func Intn(s0, s1 uint64, n int) (v int, ns0, ns1 uint64) {
	if n <= 0 {
		return 0, s0, s1
	}

	x, y := s0, s1
	ns0 = y
	x ^= x << 23
	x ^= x >> 17
	x ^= y ^ (y >> 26)
	ns1 = x

	sum := x + y
	if sum == 0 {
		sum = x | 1
	}
	v = int(sum % uint64(n))
	return
}
