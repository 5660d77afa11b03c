package udp

import (
	"net/netip"
	"testing"
	"time"
)

func TestConnectionIDGeneratorRoundTrip(t *testing.T) {
	gen := NewConnectionIDGenerator([]byte("test-private-key"), 10*time.Second)
	ip := netip.MustParseAddr("203.0.113.42")
	now := time.Unix(1_700_000_000, 0)

	id := gen.Generate(ip, now)
	if len(id) != 8 {
		t.Fatalf("expected 8-byte connection id, got %d", len(id))
	}
	if !gen.Validate(id, ip, now) {
		t.Fatal("expected freshly generated id to validate")
	}
}

func TestConnectionIDGeneratorHonorsCookieLifetime(t *testing.T) {
	gen := NewConnectionIDGenerator([]byte("test-private-key"), 10*time.Second)
	ip := netip.MustParseAddr("203.0.113.42")
	mintedAt := time.Unix(1_700_000_000, 0)
	id := gen.Generate(ip, mintedAt)

	later := mintedAt.Add(5 * time.Second)
	if !gen.Validate(id, ip, later) {
		t.Fatal("expected id within cookie lifetime to still validate")
	}

	tooLate := mintedAt.Add(20 * time.Second)
	if gen.Validate(id, ip, tooLate) {
		t.Fatal("expected id older than cookie lifetime to be rejected")
	}
}

func TestConnectionIDGeneratorToleratesLongLifetime(t *testing.T) {
	gen := NewConnectionIDGenerator([]byte("test-private-key"), 2*time.Minute)
	ip := netip.MustParseAddr("203.0.113.42")
	mintedAt := time.Unix(1_700_000_000, 0)
	id := gen.Generate(ip, mintedAt)

	// A client that waits up to the cookie's full lifetime between
	// connect and announce (normal under BEP 15) must still validate.
	later := mintedAt.Add(90 * time.Second)
	if !gen.Validate(id, ip, later) {
		t.Fatal("expected id to validate within a 2-minute cookie lifetime")
	}
}

func TestConnectionIDGeneratorRejectsWrongIP(t *testing.T) {
	gen := NewConnectionIDGenerator([]byte("test-private-key"), 10*time.Second)
	now := time.Unix(1_700_000_000, 0)
	id := gen.Generate(netip.MustParseAddr("203.0.113.42"), now)

	if gen.Validate(id, netip.MustParseAddr("203.0.113.43"), now) {
		t.Fatal("expected id minted for a different IP to be rejected")
	}
}

func TestConnectionIDGeneratorRejectsDifferentKey(t *testing.T) {
	ip := netip.MustParseAddr("203.0.113.42")
	now := time.Unix(1_700_000_000, 0)

	id := NewConnectionIDGenerator([]byte("key-one"), 10*time.Second).Generate(ip, now)
	other := NewConnectionIDGenerator([]byte("key-two"), 10*time.Second)
	if other.Validate(id, ip, now) {
		t.Fatal("expected id minted under a different key to be rejected")
	}
}
