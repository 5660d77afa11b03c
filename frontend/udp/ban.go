package udp

import (
	"net/netip"
	"sync"
	"time"
)

// banRecord tracks protocol errors observed from a single source IP
// within the current window.
type banRecord struct {
	count       int
	windowStart time.Time
}

// banService enforces the UDP ban policy: once a source IP accumulates
// more than threshold parse errors, bad cookies, or disallowed requests
// within window, Banned reports true and the frontend drops further
// datagrams from it silently until the window elapses. A threshold of
// zero disables banning entirely.
type banService struct {
	mu        sync.Mutex
	records   map[netip.Addr]*banRecord
	threshold int
	window    time.Duration
	closing   chan struct{}
	wg        sync.WaitGroup
}

// newBanService constructs a banService and starts its periodic sweep
// of expired records, which otherwise accumulate forever under a
// distributed-source attack.
func newBanService(threshold int, window time.Duration) *banService {
	b := &banService{
		records:   make(map[netip.Addr]*banRecord),
		threshold: threshold,
		window:    window,
		closing:   make(chan struct{}),
	}
	if threshold > 0 {
		b.wg.Add(1)
		go b.sweepLoop()
	}
	return b
}

func (b *banService) sweepLoop() {
	defer b.wg.Done()
	t := time.NewTicker(b.window)
	defer t.Stop()
	for {
		select {
		case <-b.closing:
			return
		case now := <-t.C:
			b.sweep(now)
		}
	}
}

// Banned reports whether ip is currently over threshold within its
// active window.
func (b *banService) Banned(ip netip.Addr, now time.Time) bool {
	if b.threshold <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[ip]
	if !ok || now.Sub(rec.windowStart) > b.window {
		return false
	}
	return rec.count >= b.threshold
}

// RecordError increments ip's error counter, starting a fresh window if
// none is active or the previous one has elapsed.
func (b *banService) RecordError(ip netip.Addr, now time.Time) {
	if b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[ip]
	if !ok || now.Sub(rec.windowStart) > b.window {
		rec = &banRecord{windowStart: now}
		b.records[ip] = rec
	}
	rec.count++
	if rec.count == b.threshold {
		logger.Warn().Stringer("ip", ip).Int("count", rec.count).Msg("banning source IP for excessive protocol errors")
	}
}

// sweep drops every record whose window has elapsed.
func (b *banService) sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ip, rec := range b.records {
		if now.Sub(rec.windowStart) > b.window {
			delete(b.records, ip)
		}
	}
}

// Stop halts the background sweep goroutine.
func (b *banService) Stop() {
	if b.threshold > 0 {
		close(b.closing)
		b.wg.Wait()
	}
}
