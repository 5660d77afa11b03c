package http

import (
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/sot-tech/chihaya-tracker/bittorrent"
	"github.com/sot-tech/chihaya-tracker/frontend"
)

func addrFromNetIP(ip net.IP) (netip.Addr, bool) {
	return netip.AddrFromSlice(ip)
}

func addrPortFrom(addr netip.Addr, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(addr.Unmap(), port)
}

func parseIP(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, errMalformedParam
	}
	return ip, nil
}

// remoteIP returns the client address to attribute a request to: the
// rightmost entry of realIPHeader if the tracker sits behind a trusted
// reverse proxy that sets one, otherwise the TCP connection's peer
// address. A multi-hop X-Forwarded-For ("client, proxy1, proxy2") is
// appended to by each hop, so the rightmost entry is the one the
// nearest (and only trusted) hop actually observed.
func remoteIP(ctx *fasthttp.RequestCtx, realIPHeader string) net.IP {
	if realIPHeader != "" {
		if v := ctx.Request.Header.Peek(realIPHeader); len(v) > 0 {
			parts := strings.Split(string(v), ",")
			last := strings.TrimSpace(parts[len(parts)-1])
			if ip := net.ParseIP(last); ip != nil {
				return ip
			}
		}
	}
	return ctx.RemoteIP()
}

// parseAnnounce builds an AnnounceRequest from an HTTP announce's query
// string (BEP 3) and compact-peer flag (BEP 23).
func parseAnnounce(ctx *fasthttp.RequestCtx, opts frontend.ParseOptions, realIPHeader string) (req *bittorrent.AnnounceRequest, params bittorrent.Params, err error) {
	q, err := bittorrent.NewQueryParams(string(ctx.URI().QueryString()))
	if err != nil {
		return nil, nil, err
	}

	infoHashes := q.InfoHashes()
	if len(infoHashes) != 1 {
		return nil, nil, errMissingInfoHash
	}

	peerIDStr, ok := q.String("peer_id")
	if !ok {
		return nil, nil, errMissingPeerID
	}
	peerID, err := bittorrent.NewPeerID([]byte(peerIDStr))
	if err != nil {
		return nil, nil, err
	}

	port, err := parseUintParam(q, "port", true)
	if err != nil {
		return nil, nil, err
	}

	downloaded, err := parseUintParam(q, "downloaded", false)
	if err != nil {
		return nil, nil, err
	}
	left, err := parseUintParam(q, "left", false)
	if err != nil {
		return nil, nil, err
	}
	uploaded, err := parseUintParam(q, "uploaded", false)
	if err != nil {
		return nil, nil, err
	}

	ip := remoteIP(ctx, realIPHeader)
	ipProvided := false
	if opts.AllowIPSpoofing {
		if v, ok := q.String("ip"); ok && v != "" {
			if parsed, perr := parseIP(v); perr == nil {
				ip = parsed
				ipProvided = true
			}
		}
	}
	addr, ok := addrFromNetIP(ip)
	if !ok {
		return nil, nil, bittorrent.ErrInvalidIP
	}

	var event bittorrent.Event
	eventProvided := false
	if v, ok := q.String("event"); ok {
		if event, err = bittorrent.NewEvent(v); err != nil {
			return nil, nil, err
		}
		eventProvided = true
	}

	numWant := opts.DefaultNumWant
	numWantProvided := false
	if v, ok := q.String("numwant"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, nil, errMalformedNumWant
		}
		numWant = uint32(n)
		numWantProvided = true
	}
	if numWant > opts.MaxNumWant {
		numWant = opts.MaxNumWant
	}

	compact := true
	if v, ok := q.String("compact"); ok {
		compact = v != "0"
	}

	req = &bittorrent.AnnounceRequest{
		Event:           event,
		EventProvided:   eventProvided,
		InfoHash:        infoHashes[0],
		Compact:         compact,
		NumWantProvided: numWantProvided,
		IPProvided:      ipProvided,
		NumWant:         numWant,
		Left:            left,
		Downloaded:      downloaded,
		Uploaded:        uploaded,
		Peer: bittorrent.Peer{
			ID:       peerID,
			AddrPort: addrPortFrom(addr, uint16(port)),
		},
	}

	return req, q, nil
}

// parseScrape builds a ScrapeRequest from an HTTP scrape's query string,
// which may repeat info_hash per BEP 48.
func parseScrape(ctx *fasthttp.RequestCtx, opts frontend.ParseOptions) (*bittorrent.ScrapeRequest, bittorrent.Params, error) {
	q, err := bittorrent.NewQueryParams(string(ctx.URI().QueryString()))
	if err != nil {
		return nil, nil, err
	}

	hashes := q.InfoHashes()
	if len(hashes) == 0 {
		return nil, nil, errMissingInfoHash
	}
	if uint32(len(hashes)) > opts.MaxScrapeInfoHashes {
		hashes = hashes[:opts.MaxScrapeInfoHashes]
	}

	af := bittorrent.IPv4
	if ip := ctx.RemoteIP(); ip != nil && ip.To4() == nil {
		af = bittorrent.IPv6
	}

	return &bittorrent.ScrapeRequest{AddressFamily: af, InfoHashes: hashes}, q, nil
}

var (
	errMissingInfoHash  = bittorrent.ClientError("missing info_hash")
	errMissingPeerID    = bittorrent.ClientError("missing peer_id")
	errMalformedNumWant = bittorrent.ClientError("malformed numwant")
	errMalformedParam   = bittorrent.ClientError("malformed parameter")
)

func parseUintParam(q *bittorrent.QueryParams, key string, required bool) (uint64, error) {
	v, ok := q.String(key)
	if !ok {
		if required {
			return 0, errMalformedParam
		}
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errMalformedParam
	}
	return n, nil
}
