package udp

import (
	"encoding/binary"
	"net/netip"

	"github.com/sot-tech/chihaya-tracker/bittorrent"
	"github.com/sot-tech/chihaya-tracker/frontend"
)

// Action IDs, per BEP 15 plus the opentracker IPv6 announce extension.
const (
	connectActionID    int32 = 0
	announceActionID   int32 = 1
	scrapeActionID     int32 = 2
	errorActionID      int32 = 3
	announceV6ActionID int32 = 4
)

var (
	errMalformedPacket = bittorrent.ClientError("malformed packet")
	errBadConnectionID = bittorrent.ClientError("bad connection id")
	errUnknownAction   = bittorrent.ClientError("unknown action")
)

const (
	// headerLen is connection_id(8) + action(4) + transaction_id(4).
	headerLen = 16
	// announceLenV4 is headerLen already consumed + the rest of a v4
	// announce: info_hash(20) + peer_id(20) + downloaded(8) + left(8) +
	// uploaded(8) + event(4) + ip(4) + key(4) + num_want(4) + port(2).
	announceLenV4 = 82
	// announceLenV6 is the same, with a 16-byte IP instead of 4.
	announceLenV6  = announceLenV4 + 12
	scrapeInfoHash = bittorrent.InfoHashV1Len
)

// parseAnnounce decodes the body of an announce packet (after the shared
// 16-byte header) into an AnnounceRequest. v6 selects the opentracker
// IPv6 extension's wider ip field.
func parseAnnounce(r Request, v6 bool, opts frontend.ParseOptions) (*bittorrent.AnnounceRequest, error) {
	body := r.Packet[headerLen:]
	wantLen := announceLenV4
	if v6 {
		wantLen = announceLenV6
	}
	if len(body) < wantLen {
		return nil, errMalformedPacket
	}

	ih, err := bittorrent.NewInfoHash(body[:20])
	if err != nil {
		return nil, err
	}
	peerID, err := bittorrent.NewPeerID(body[20:40])
	if err != nil {
		return nil, err
	}

	downloaded := binary.BigEndian.Uint64(body[40:48])
	left := binary.BigEndian.Uint64(body[48:56])
	uploaded := binary.BigEndian.Uint64(body[56:64])
	eventID := binary.BigEndian.Uint32(body[64:68])

	off := 68
	ipLen := 4
	if v6 {
		ipLen = 16
	}
	ipBytes := body[off : off+ipLen]
	off += ipLen

	off += 4 // key, unused: we do not implement per-client rate limiting keyed on it
	numWant := int32(binary.BigEndian.Uint32(body[off : off+4]))
	off += 4
	port := binary.BigEndian.Uint16(body[off : off+2])

	var event bittorrent.Event
	switch eventID {
	case 1:
		event = bittorrent.Completed
	case 2:
		event = bittorrent.Started
	case 3:
		event = bittorrent.Stopped
	}

	ip := r.IP
	ipProvided := false
	if zeroIP := allZero(ipBytes); !zeroIP && opts.AllowIPSpoofing {
		if addr, ok := netip.AddrFromSlice(ipBytes); ok {
			ip = addr.Unmap()
			ipProvided = true
		}
	}

	req := &bittorrent.AnnounceRequest{
		Event:           event,
		EventProvided:   eventID != 0,
		InfoHash:        ih,
		NumWantProvided: numWant >= 0,
		IPProvided:      ipProvided,
		Downloaded:      downloaded,
		Left:            left,
		Uploaded:        uploaded,
		Compact:         true,
		Peer: bittorrent.Peer{
			ID:       peerID,
			AddrPort: netip.AddrPortFrom(ip, port),
		},
	}
	if numWant >= 0 {
		req.NumWant = uint32(numWant)
	} else {
		req.NumWant = opts.DefaultNumWant
	}
	if req.NumWant > opts.MaxNumWant {
		req.NumWant = opts.MaxNumWant
	}

	return req, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// parseScrape decodes the body of a scrape packet (after the shared
// 16-byte header) into a ScrapeRequest.
func parseScrape(r Request, opts frontend.ParseOptions) (*bittorrent.ScrapeRequest, error) {
	body := r.Packet[headerLen:]
	if len(body)%scrapeInfoHash != 0 {
		return nil, errMalformedPacket
	}

	n := uint32(len(body) / scrapeInfoHash)
	if n == 0 {
		return nil, errMalformedPacket
	}
	if n > opts.MaxScrapeInfoHashes {
		n = opts.MaxScrapeInfoHashes
	}

	hashes := make([]bittorrent.InfoHash, 0, n)
	for i := uint32(0); i < n; i++ {
		off := i * scrapeInfoHash
		ih, err := bittorrent.NewInfoHash(body[off : off+scrapeInfoHash])
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, ih)
	}

	af := bittorrent.IPv4
	if r.IP.Is6() {
		af = bittorrent.IPv6
	}
	return &bittorrent.ScrapeRequest{AddressFamily: af, InfoHashes: hashes}, nil
}

func writeHeader(w ResponseWriter, action int32, txID []byte, extra int) []byte {
	b := make([]byte, 8+extra)
	binary.BigEndian.PutUint32(b[0:4], uint32(action))
	copy(b[4:8], txID)
	return b
}

func writeConnectionID(w ResponseWriter, txID []byte, connID []byte) {
	b := writeHeader(w, connectActionID, txID, 8)
	copy(b[8:16], connID)
	_, _ = w.Write(b)
}

func writeErrorResponse(w ResponseWriter, txID []byte, err error) {
	msg := err.Error()
	b := writeHeader(w, errorActionID, txID, len(msg))
	copy(b[8:], msg)
	_, _ = w.Write(b)
}

func writeAnnounceResponse(w ResponseWriter, txID []byte, resp *bittorrent.AnnounceResponse, v6 bool) {
	peers := resp.IPv4Peers
	ipLen := 4
	if v6 {
		peers = resp.IPv6Peers
		ipLen = 16
	}

	b := make([]byte, 20, 20+len(peers)*(ipLen+2))
	binary.BigEndian.PutUint32(b[0:4], uint32(announceActionID))
	copy(b[4:8], txID)
	binary.BigEndian.PutUint32(b[8:12], uint32(resp.Interval.Seconds()))
	binary.BigEndian.PutUint32(b[12:16], resp.Incomplete)
	binary.BigEndian.PutUint32(b[16:20], resp.Complete)

	for _, p := range peers {
		addr := p.Addr()
		if addr.BitLen()/8 != ipLen {
			continue
		}
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], p.Port())
		b = append(b, addr.AsSlice()...)
		b = append(b, portBuf[:]...)
	}

	_, _ = w.Write(b)
}

func writeScrapeResponse(w ResponseWriter, txID []byte, resp *bittorrent.ScrapeResponse) {
	b := make([]byte, 8, 8+len(resp.Files)*12)
	binary.BigEndian.PutUint32(b[0:4], uint32(scrapeActionID))
	copy(b[4:8], txID)

	for _, f := range resp.Files {
		var row [12]byte
		binary.BigEndian.PutUint32(row[0:4], f.Complete)
		binary.BigEndian.PutUint32(row[4:8], f.Snatches)
		binary.BigEndian.PutUint32(row[8:12], f.Incomplete)
		b = append(b, row[:]...)
	}

	_, _ = w.Write(b)
}
