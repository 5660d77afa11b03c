// Package stats implements the statistics event bus: a bounded,
// lock-free, multi-producer/single-consumer queue that the protocol
// engines push connection/announce/scrape events into, drained by a
// single background goroutine into Prometheus counters. Emit never
// blocks a request path on bookkeeping; a full queue drops the event
// and bumps a drop counter instead.
package stats

import (
	"context"
	"sync/atomic"
	"unsafe"

	"code.cloudfoundry.org/go-diodes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sot-tech/chihaya-tracker/pkg/log"
)

var logger = log.NewLogger("stats")

// Transport identifies which protocol engine produced an Event.
type Transport uint8

const (
	TCP Transport = iota
	UDP
)

func (t Transport) String() string {
	if t == UDP {
		return "udp"
	}
	return "tcp"
}

// Kind identifies what an Event represents.
type Kind uint8

const (
	Connection Kind = iota
	Announce
	Scrape
)

func (k Kind) String() string {
	switch k {
	case Announce:
		return "announce"
	case Scrape:
		return "scrape"
	default:
		return "connection"
	}
}

// Event is a single connection/announce/scrape occurrence, tagged with
// the transport and IP version it occurred over. Matches spec.md
// §4.13's taxonomy: exactly one of Tcp4Announce/Tcp6Announce/
// Udp4Announce/Udp6Announce per announce, Tcp4Connection/Tcp6Connection
// per HTTP request, Udp4Connection/Udp6Connection per UDP Connect.
type Event struct {
	Transport Transport
	IPv6      bool
	Kind      Kind
}

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chihaya_stats_events_total",
		Help: "Connection/announce/scrape events applied by the statistics bus",
	}, []string{"transport", "ip_version", "kind"})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chihaya_stats_events_dropped_total",
		Help: "Events dropped because the statistics bus queue was full",
	})
)

// Bus drains a bounded diode of Events into Prometheus counters on a
// single background goroutine. The zero value is not usable; construct
// with NewBus.
type Bus struct {
	diode   *diodes.ManyToOne
	cancel  context.CancelFunc
	done    chan struct{}
	dropped atomic.Uint64
}

// NewBus allocates a Bus backed by a diode of the given capacity and
// starts its consumer goroutine. capacity <= 0 falls back to a sane
// default.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 4096
	}

	b := &Bus{done: make(chan struct{})}
	b.diode = diodes.NewManyToOne(capacity, diodes.AlertFunc(func(missed int) {
		if missed > 0 {
			b.dropped.Add(uint64(missed))
			eventsDropped.Add(float64(missed))
		}
	}))

	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	poller := diodes.NewPoller(b.diode, diodes.WithPollingContext(ctx))

	go func() {
		defer close(b.done)
		for {
			v := poller.Next()
			if v == nil {
				return
			}
			ev := (*Event)(v)
			ipVersion := "4"
			if ev.IPv6 {
				ipVersion = "6"
			}
			eventsTotal.WithLabelValues(ev.Transport.String(), ipVersion, ev.Kind.String()).Inc()
		}
	}()

	logger.Debug().Int("capacity", capacity).Msg("statistics bus started")
	return b
}

// Emit enqueues ev for processing without blocking the caller. If the
// queue is full the diode overwrites the oldest unread event and the
// drop counter advances; the caller observes neither.
func (b *Bus) Emit(ev Event) {
	e := ev
	b.diode.Set(diodes.GenericDataType(unsafe.Pointer(&e)))
}

// Dropped returns the number of events dropped so far because the
// queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Stop halts the background consumer. Already-queued events that have
// not yet been polled are discarded.
func (b *Bus) Stop() {
	b.cancel()
	<-b.done
}
