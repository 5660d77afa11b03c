package udp

import (
	"net/netip"
	"testing"
	"time"
)

func TestBanServiceBansAfterThreshold(t *testing.T) {
	b := newBanService(3, time.Minute)
	defer b.Stop()
	ip := netip.MustParseAddr("198.51.100.7")
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 2; i++ {
		b.RecordError(ip, now)
	}
	if b.Banned(ip, now) {
		t.Fatal("expected IP not yet banned below threshold")
	}

	b.RecordError(ip, now)
	if !b.Banned(ip, now) {
		t.Fatal("expected IP banned once error count reaches threshold")
	}
}

func TestBanServiceWindowExpires(t *testing.T) {
	b := newBanService(2, time.Minute)
	defer b.Stop()
	ip := netip.MustParseAddr("198.51.100.8")
	now := time.Unix(1_700_000_000, 0)

	b.RecordError(ip, now)
	b.RecordError(ip, now)
	if !b.Banned(ip, now) {
		t.Fatal("expected IP banned at threshold")
	}

	later := now.Add(2 * time.Minute)
	if b.Banned(ip, later) {
		t.Fatal("expected ban to lapse once the window elapses")
	}
}

func TestBanServiceDisabledWithZeroThreshold(t *testing.T) {
	b := newBanService(0, time.Minute)
	defer b.Stop()
	ip := netip.MustParseAddr("198.51.100.9")
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 100; i++ {
		b.RecordError(ip, now)
	}
	if b.Banned(ip, now) {
		t.Fatal("expected banning disabled when threshold is zero")
	}
}

func TestBanServiceDoesNotBanDistinctIPs(t *testing.T) {
	b := newBanService(2, time.Minute)
	defer b.Stop()
	now := time.Unix(1_700_000_000, 0)

	a := netip.MustParseAddr("198.51.100.10")
	other := netip.MustParseAddr("198.51.100.11")
	b.RecordError(a, now)
	b.RecordError(a, now)

	if !b.Banned(a, now) {
		t.Fatal("expected offending IP banned")
	}
	if b.Banned(other, now) {
		t.Fatal("expected unrelated IP to remain unbanned")
	}
}
