package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBusAppliesEmittedEvents(t *testing.T) {
	b := NewBus(16)
	defer b.Stop()

	before := testutil.ToFloat64(eventsTotal.WithLabelValues("tcp", "4", "announce"))
	b.Emit(Event{Transport: TCP, IPv6: false, Kind: Announce})

	deadline := time.Now().Add(time.Second)
	for testutil.ToFloat64(eventsTotal.WithLabelValues("tcp", "4", "announce")) == before {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for emitted event to be applied")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBusDropsOnOverflowWithoutBlocking(t *testing.T) {
	b := NewBus(1)
	defer b.Stop()

	for i := 0; i < 1000; i++ {
		b.Emit(Event{Transport: UDP, IPv6: true, Kind: Scrape})
	}
	// Emit must never block regardless of queue depth; reaching this
	// point at all is the assertion.
}

func TestDefaultBusIsNoOpUntilEnabled(t *testing.T) {
	if Enabled() {
		t.Fatal("expected default bus disabled at package init")
	}
	// Must not panic even though nothing is listening.
	Emit(Event{Transport: TCP, IPv6: false, Kind: Connection})
}

func TestEnableStartsDefaultBus(t *testing.T) {
	Enable(8)
	defer Stop()

	if !Enabled() {
		t.Fatal("expected default bus enabled after Enable")
	}
	Emit(Event{Transport: UDP, IPv6: false, Kind: Announce})
}
