package udp

import (
	"bytes"
	"encoding/binary"
	"hash"
	"net/netip"
	"time"

	"lukechampine.com/blake3"
)

// initialConnectionID is the fixed connection ID clients send alongside
// a connect request, per BEP 15.
var initialConnectionID = []byte{0, 0, 0x04, 0x17, 0x27, 0x10, 0x19, 0x80}

// ConnectionIDGenerator creates and validates connection IDs for UDP
// packets. An ID is 8 bytes: the high 32 bits are a keyed MAC of
// (ip, issued_at), the low 32 bits are issued_at itself (Unix seconds).
// Embedding issued_at lets Validate recompute the MAC for the exact
// instant the ID was minted in one pass, rather than brute-force
// re-signing every second back to the edge of a tolerance window, and
// lets that tolerance be a full client-facing cookie lifetime (BEP 15
// clients routinely wait up to ~2 minutes between connect and
// announce/scrape) instead of a clock-skew-sized one.
//
// A ConnectionIDGenerator is not safe for concurrent use; callers pool
// one per goroutine (see udpFE.genPool).
type ConnectionIDGenerator struct {
	mac      hash.Hash
	lifetime time.Duration
}

// NewConnectionIDGenerator returns a ConnectionIDGenerator keyed by
// privateKey, rejecting connection IDs minted more than lifetime in the
// past.
func NewConnectionIDGenerator(privateKey []byte, lifetime time.Duration) *ConnectionIDGenerator {
	h, err := blake3.New(32, privateKey)
	if err != nil {
		// privateKey is operator-controlled at startup, never request
		// data; a bad key should fail loudly rather than limp along.
		panic(err)
	}
	return &ConnectionIDGenerator{mac: h, lifetime: lifetime}
}

func (g *ConnectionIDGenerator) sign(ip netip.Addr, issuedAt uint32) []byte {
	g.mac.Reset()
	g.mac.Write(ip.AsSlice())
	var tsBuf [4]byte
	binary.BigEndian.PutUint32(tsBuf[:], issuedAt)
	g.mac.Write(tsBuf[:])
	return g.mac.Sum(nil)[:4]
}

// Generate mints a fresh 8-byte connection ID for ip as of now.
func (g *ConnectionIDGenerator) Generate(ip netip.Addr, now time.Time) []byte {
	issuedAt := uint32(now.Unix())
	id := make([]byte, 8)
	copy(id[0:4], g.sign(ip, issuedAt))
	binary.BigEndian.PutUint32(id[4:8], issuedAt)
	return id
}

// Validate reports whether connID was minted by Generate for ip within
// the last lifetime.
func (g *ConnectionIDGenerator) Validate(connID []byte, ip netip.Addr, now time.Time) bool {
	if len(connID) != 8 {
		return false
	}
	issuedAt := binary.BigEndian.Uint32(connID[4:8])
	age := now.Unix() - int64(issuedAt)
	if age < 0 || time.Duration(age)*time.Second > g.lifetime {
		return false
	}
	return bytes.Equal(connID[0:4], g.sign(ip, issuedAt))
}
