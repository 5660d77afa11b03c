// Package test provides a conformance suite shared by every PeerStorage
// driver: memory, pg, redis and lmdb all run the same RunTests/
// RunBenchmarks against their own constructors so that behavior stays
// consistent across backends.
package test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sot-tech/chihaya-tracker/bittorrent"
	"github.com/sot-tech/chihaya-tracker/storage"
)

func peerAt(port uint16, v6 bool) bittorrent.Peer {
	var addr netip.Addr
	if v6 {
		addr = netip.MustParseAddr("2001:db8::1")
	} else {
		addr = netip.MustParseAddr("10.0.0.1")
	}
	var id bittorrent.PeerID
	id[0] = byte(port)
	id[1] = byte(port >> 8)
	return bittorrent.Peer{ID: id, AddrPort: netip.AddrPortFrom(addr, port)}
}

var infoHashA = bittorrent.InfoHash("aaaaaaaaaaaaaaaaaaaa")

// RunTests exercises the full PeerStorage contract against s. It is
// meant to be called from each driver's own _test.go, typically as
// test.RunTests(t, newStoreForTest()).
func RunTests(t *testing.T, s storage.PeerStorage) {
	t.Run("SeederLifecycle", func(t *testing.T) { testSeederLifecycle(t, s) })
	t.Run("LeecherLifecycle", func(t *testing.T) { testLeecherLifecycle(t, s) })
	t.Run("GraduateLeecher", func(t *testing.T) { testGraduateLeecher(t, s) })
	t.Run("AnnouncePeersExcludesSelf", func(t *testing.T) { testAnnounceExcludesSelf(t, s) })
	t.Run("DeleteUnknownReturnsErrResourceDoesNotExist", func(t *testing.T) { testDeleteUnknown(t, s) })
	t.Run("DataStorage", func(t *testing.T) { testDataStorage(t, s) })
}

func testSeederLifecycle(t *testing.T, s storage.PeerStorage) {
	ih := infoHashA
	p := peerAt(1, false)

	require.NoError(t, s.PutSeeder(ih, p))
	_, seeders, _ := s.ScrapeSwarm(ih)
	require.GreaterOrEqual(t, seeders, uint32(1))

	require.NoError(t, s.DeleteSeeder(ih, p))
}

func testLeecherLifecycle(t *testing.T, s storage.PeerStorage) {
	ih := bittorrent.InfoHash("bbbbbbbbbbbbbbbbbbbb")
	p := peerAt(2, false)

	require.NoError(t, s.PutLeecher(ih, p))
	leechers, _, _ := s.ScrapeSwarm(ih)
	require.GreaterOrEqual(t, leechers, uint32(1))

	require.NoError(t, s.DeleteLeecher(ih, p))
}

func testGraduateLeecher(t *testing.T, s storage.PeerStorage) {
	ih := bittorrent.InfoHash("cccccccccccccccccccc")
	p := peerAt(3, false)

	require.NoError(t, s.PutLeecher(ih, p))
	require.NoError(t, s.GraduateLeecher(ih, p))

	leechers, seeders, _ := s.ScrapeSwarm(ih)
	require.GreaterOrEqual(t, seeders, uint32(1))
	require.Equal(t, uint32(0), leechers)

	require.NoError(t, s.DeleteSeeder(ih, p))
}

func testAnnounceExcludesSelf(t *testing.T, s storage.PeerStorage) {
	ih := bittorrent.InfoHash("dddddddddddddddddddd")
	self := peerAt(4, false)
	other := peerAt(5, false)

	require.NoError(t, s.PutSeeder(ih, self))
	require.NoError(t, s.PutLeecher(ih, other))

	peers, err := s.AnnouncePeers(ih, false, 10, other)
	require.NoError(t, err)
	for _, p := range peers {
		require.False(t, p.EqualEndpoint(other))
	}

	require.NoError(t, s.DeleteSeeder(ih, self))
	require.NoError(t, s.DeleteLeecher(ih, other))
}

func testDeleteUnknown(t *testing.T, s storage.PeerStorage) {
	ih := bittorrent.InfoHash("eeeeeeeeeeeeeeeeeeee")
	p := peerAt(6, false)

	err := s.DeleteSeeder(ih, p)
	require.ErrorIs(t, err, storage.ErrResourceDoesNotExist)

	err = s.DeleteLeecher(ih, p)
	require.ErrorIs(t, err, storage.ErrResourceDoesNotExist)
}

func testDataStorage(t *testing.T, s storage.PeerStorage) {
	const ctx = "test-ctx"

	require.NoError(t, s.Put(ctx, storage.Entry{Key: "k1", Value: "v1"}))

	ok, err := s.Contains(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)

	v, err := s.Load(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "v1", v)

	require.NoError(t, s.Delete(ctx, "k1"))

	ok, err = s.Contains(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

// RunBenchmarks exercises the PeerStorage hot paths for throughput
// comparisons across drivers. newStorage must return a fresh, empty
// PeerStorage on each call.
func RunBenchmarks(b *testing.B, newStorage func() storage.PeerStorage) {
	b.Run("PutSeeder", func(b *testing.B) { benchmarkPutSeeder(b, newStorage()) })
	b.Run("AnnouncePeers", func(b *testing.B) { benchmarkAnnouncePeers(b, newStorage()) })
}

func benchmarkPutSeeder(b *testing.B, s storage.PeerStorage) {
	ih := infoHashA
	p := peerAt(1, false)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.PutSeeder(ih, p)
	}
}

func benchmarkAnnouncePeers(b *testing.B, s storage.PeerStorage) {
	ih := infoHashA
	for i := uint16(0); i < 50; i++ {
		_ = s.PutLeecher(ih, peerAt(i+10, false))
	}
	announcer := peerAt(1, false)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.AnnouncePeers(ih, true, 30, announcer)
	}
}
