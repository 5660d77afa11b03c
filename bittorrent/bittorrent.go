// Package bittorrent implements all of the abstractions used to decouple the
// protocol of a BitTorrent tracker from the logic of handling Announces and
// Scrapes.
package bittorrent

import (
	"time"

	"github.com/rs/zerolog"
)

// Event represents an event done by a BitTorrent client.
type Event uint8

// Event constants as defined by BEP 3.
const (
	None Event = iota
	Started
	Stopped
	Completed
)

// NewEvent parses a string as a BEP 3 event value, as sent by an
// announcing client ("started", "stopped", "completed", or the empty
// string for None).
func NewEvent(e string) (Event, error) {
	switch e {
	case "", "none":
		return None, nil
	case "started":
		return Started, nil
	case "stopped":
		return Stopped, nil
	case "completed":
		return Completed, nil
	default:
		return None, ErrUnknownEvent
	}
}

// ErrUnknownEvent is returned when a request carries an unrecognized event.
var ErrUnknownEvent = ClientError("unknown event")

func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	default:
		return "none"
	}
}

// AddressFamily is the address family of an IP address.
type AddressFamily uint8

// AddressFamily constants.
const (
	IPv4 AddressFamily = iota
	IPv6
)

func (af AddressFamily) String() string {
	switch af {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return "unknown"
	}
}

// AnnounceRequest represents the parsed parameters from an announce request.
type AnnounceRequest struct {
	Event           Event
	InfoHash        InfoHash
	Compact         bool
	EventProvided   bool
	NumWantProvided bool
	IPProvided      bool
	NumWant         uint32
	Left            uint64
	Downloaded      uint64
	Uploaded        uint64

	Peer
	Params
}

// MarshalZerologObject writes the request's fields into a zerolog event.
func (r AnnounceRequest) MarshalZerologObject(e *zerolog.Event) {
	e.Stringer("event", r.Event).
		Stringer("infoHash", r.InfoHash).
		Bool("compact", r.Compact).
		Uint32("numWant", r.NumWant).
		Uint64("left", r.Left).
		Uint64("downloaded", r.Downloaded).
		Uint64("uploaded", r.Uploaded).
		Object("peer", r.Peer)
}

// AnnounceResponse represents the parameters used to create an announce
// response.
type AnnounceResponse struct {
	Compact     bool
	Complete    uint32
	Incomplete  uint32
	Interval    time.Duration
	MinInterval time.Duration
	IPv4Peers   []Peer
	IPv6Peers   []Peer
}

// MarshalZerologObject writes the response's fields into a zerolog event.
func (r AnnounceResponse) MarshalZerologObject(e *zerolog.Event) {
	e.Bool("compact", r.Compact).
		Uint32("complete", r.Complete).
		Uint32("incomplete", r.Incomplete).
		Dur("interval", r.Interval).
		Int("ipv4Peers", len(r.IPv4Peers)).
		Int("ipv6Peers", len(r.IPv6Peers))
}

// ScrapeRequest represents the parsed parameters from a scrape request.
type ScrapeRequest struct {
	AddressFamily AddressFamily
	InfoHashes    []InfoHash
	Params        Params
}

// MarshalZerologObject writes the request's fields into a zerolog event.
func (r ScrapeRequest) MarshalZerologObject(e *zerolog.Event) {
	e.Stringer("addressFamily", r.AddressFamily).
		Int("infoHashes", len(r.InfoHashes))
}

// ScrapeResponse represents the parameters used to create a scrape response.
//
// The Files must be in the same order as the InfoHashes in the
// corresponding ScrapeRequest.
type ScrapeResponse struct {
	Files []Scrape
}

// MarshalZerologObject writes the response's fields into a zerolog event.
func (sr ScrapeResponse) MarshalZerologObject(e *zerolog.Event) {
	e.Int("files", len(sr.Files))
}

// Scrape represents the state of a swarm that is returned in a scrape response.
type Scrape struct {
	InfoHash   InfoHash
	Snatches   uint32
	Complete   uint32
	Incomplete uint32
}

// ZeroedScrapeResponse builds a ScrapeResponse reporting zeroed metadata
// for every hash in hashes, preserving order and cardinality. Used
// whenever a scrape must respond without revealing whether any of the
// requested torrents actually exist (an unknown infohash, or a private
// tracker rejecting the request's auth key).
func ZeroedScrapeResponse(hashes []InfoHash) *ScrapeResponse {
	files := make([]Scrape, len(hashes))
	for i, ih := range hashes {
		files[i] = Scrape{InfoHash: ih}
	}
	return &ScrapeResponse{Files: files}
}

// ErrInvalidIP is returned when a peer's address cannot be parsed or is of
// an unexpected length.
var ErrInvalidIP = ClientError("invalid IP")

// ClientError represents an error that should be exposed to the client over
// the BitTorrent protocol implementation.
type ClientError string

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return string(c) }
