package middleware

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/sot-tech/chihaya-tracker/bittorrent"
	"github.com/sot-tech/chihaya-tracker/storage/memory"
)

func newTestLogic(t *testing.T) *Logic {
	t.Helper()
	store, err := memory.NewPeerStorage(memory.Config{})
	if err != nil {
		t.Fatalf("failed to build memory storage: %v", err)
	}
	return NewLogic(store, 10*time.Minute, time.Minute, nil, nil)
}

func announceRequest(event bittorrent.Event) *bittorrent.AnnounceRequest {
	return &bittorrent.AnnounceRequest{
		Event:    event,
		InfoHash: bittorrent.InfoHash("01234567890123456789"),
		Compact:  true,
		NumWant:  10,
		Peer: bittorrent.Peer{
			ID:       bittorrent.PeerID{1, 2, 3},
			AddrPort: netip.MustParseAddrPort("203.0.113.1:6881"),
		},
	}
}

func TestLogicHandleAnnounceRecordsSeeder(t *testing.T) {
	logic := newTestLogic(t)
	req := announceRequest(bittorrent.Started)
	req.Left = 0

	ctx, resp, err := logic.HandleAnnounce(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleAnnounce returned error: %v", err)
	}
	if resp.Interval != 10*time.Minute {
		t.Errorf("expected interval of 10m, got %s", resp.Interval)
	}
	// The lone seeder is counted once by the swarm's own tally, and once
	// more because an announce with no other peers to return falls back
	// to including the announcer's own representation.
	if resp.Complete != 2 {
		t.Errorf("expected self-seeded swarm to report 2, got %d", resp.Complete)
	}

	logic.AfterAnnounce(ctx, req, resp)
}

func TestLogicHandleScrapeReportsCounts(t *testing.T) {
	logic := newTestLogic(t)
	req := announceRequest(bittorrent.Started)
	if _, _, err := logic.HandleAnnounce(context.Background(), req); err != nil {
		t.Fatalf("HandleAnnounce returned error: %v", err)
	}

	scrapeReq := &bittorrent.ScrapeRequest{InfoHashes: []bittorrent.InfoHash{req.InfoHash}}
	_, resp, err := logic.HandleScrape(context.Background(), scrapeReq)
	if err != nil {
		t.Fatalf("HandleScrape returned error: %v", err)
	}
	if len(resp.Files) != 1 {
		t.Fatalf("expected 1 scrape result, got %d", len(resp.Files))
	}
	if resp.Files[0].Complete != 1 {
		t.Errorf("expected 1 seeder in scrape result, got %d", resp.Files[0].Complete)
	}
}

func TestLogicGraduateLeecherIncrementsDownloadedOnce(t *testing.T) {
	logic := newTestLogic(t)
	scrapeReq := &bittorrent.ScrapeRequest{InfoHashes: []bittorrent.InfoHash{bittorrent.InfoHash("01234567890123456789")}}

	started := announceRequest(bittorrent.Started)
	started.Left = 1
	if _, _, err := logic.HandleAnnounce(context.Background(), started); err != nil {
		t.Fatalf("HandleAnnounce(started) returned error: %v", err)
	}

	completed := announceRequest(bittorrent.Completed)
	completed.Left = 0
	if _, _, err := logic.HandleAnnounce(context.Background(), completed); err != nil {
		t.Fatalf("HandleAnnounce(completed) returned error: %v", err)
	}

	_, resp, err := logic.HandleScrape(context.Background(), scrapeReq)
	if err != nil {
		t.Fatalf("HandleScrape returned error: %v", err)
	}
	if resp.Files[0].Snatches != 1 {
		t.Errorf("expected 1 snatch after first completion, got %d", resp.Files[0].Snatches)
	}

	// A repeat Completed from the same peer must not bump the counter again.
	if _, _, err := logic.HandleAnnounce(context.Background(), completed); err != nil {
		t.Fatalf("HandleAnnounce(completed again) returned error: %v", err)
	}
	if _, resp, err = logic.HandleScrape(context.Background(), scrapeReq); err != nil {
		t.Fatalf("HandleScrape returned error: %v", err)
	}
	if resp.Files[0].Snatches != 1 {
		t.Errorf("expected snatches to stay at 1 after repeat completion, got %d", resp.Files[0].Snatches)
	}
}

type erroringHook struct{ err error }

func (h erroringHook) HandleAnnounce(ctx context.Context, _ *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	return ctx, h.err
}

func (h erroringHook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, h.err
}

func TestLogicHandleAnnounceShortCircuitsOnPreHookError(t *testing.T) {
	store, err := memory.NewPeerStorage(memory.Config{})
	if err != nil {
		t.Fatalf("failed to build memory storage: %v", err)
	}
	wantErr := bittorrent.ClientError("rejected by prehook")
	logic := NewLogic(store, time.Minute, time.Minute, []Hook{erroringHook{err: wantErr}}, nil)

	_, resp, err := logic.HandleAnnounce(context.Background(), announceRequest(bittorrent.Started))
	if err != wantErr {
		t.Fatalf("expected prehook error %v, got %v", wantErr, err)
	}
	if resp != nil {
		t.Errorf("expected nil response on error, got %+v", resp)
	}
}
