package bittorrent

import (
	"context"
	"net/url"
	"strings"
)

// Params is a parsed view over the query and path parameters carried by an
// announce or scrape request, independent of whether the request arrived
// over HTTP or was synthesized from a UDP datagram.
type Params interface {
	// String returns the value of a query parameter and whether it was
	// present at all.
	String(key string) (string, bool)

	// RawQuery returns the original query string, used by middleware
	// hooks that need to re-derive entropy from the full request.
	RawQuery() string
}

// QueryParams parses and stores a URL-encoded query string, as sent by an
// HTTP announce or scrape request.
type QueryParams struct {
	query  string
	params map[string]string
	// infoHashes holds every occurrence of the repeated "info_hash" key,
	// since BEP 48 scrape requests may list more than one.
	infoHashes []InfoHash
}

// NewQueryParams parses a raw query string into a QueryParams.
func NewQueryParams(query string) (*QueryParams, error) {
	q := &QueryParams{
		query:  query,
		params: make(map[string]string),
	}

	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		key, err := url.QueryUnescape(kv[0])
		if err != nil {
			return nil, ErrInvalidQueryParam
		}
		var value string
		if len(kv) == 2 {
			if value, err = url.QueryUnescape(kv[1]); err != nil {
				return nil, ErrInvalidQueryParam
			}
		}

		if key == "info_hash" {
			ih, err := NewInfoHash(value)
			if err != nil {
				return nil, err
			}
			q.infoHashes = append(q.infoHashes, ih)
		} else {
			q.params[key] = value
		}
	}

	return q, nil
}

// ErrInvalidQueryParam is returned when a query string cannot be decoded.
var ErrInvalidQueryParam = ClientError("invalid query parameter")

// String implements Params.
func (q *QueryParams) String(key string) (string, bool) {
	v, ok := q.params[key]
	return v, ok
}

// RawQuery implements Params.
func (q *QueryParams) RawQuery() string { return q.query }

// InfoHashes returns every info_hash value present in the query, in the
// order they appeared.
func (q *QueryParams) InfoHashes() []InfoHash { return q.infoHashes }

// RouteParam is a single named path parameter, e.g. the {key} segment of
// an HTTP frontend route (/announce/{key}).
type RouteParam struct {
	Key   string
	Value string
}

// RouteParams is the set of path parameters matched by the router for the
// current request.
type RouteParams []RouteParam

// ByName returns the value of the named route parameter, if present.
func (rp RouteParams) ByName(name string) (string, bool) {
	for _, p := range rp {
		if p.Key == name {
			return p.Value, true
		}
	}
	return "", false
}

type routeParamsKey struct{}

// InjectRouteParamsToContext stores RouteParams on ctx so that downstream
// middleware hooks (which only see the bittorrent.Params interface) can
// still recover path parameters such as a private tracker's announce key.
func InjectRouteParamsToContext(ctx context.Context, rp RouteParams) context.Context {
	return context.WithValue(ctx, routeParamsKey{}, rp)
}

// RouteParamsFromContext recovers RouteParams previously stored by
// InjectRouteParamsToContext.
func RouteParamsFromContext(ctx context.Context) (RouteParams, bool) {
	rp, ok := ctx.Value(routeParamsKey{}).(RouteParams)
	return rp, ok
}

// bgContextKey is used by RemapRouteParamsToBgContext to detach a request
// context's values from its cancellation, letting background bookkeeping
// (e.g. stats-event publishing after the response has been written)
// outlive the request without being bound to a context the HTTP/UDP
// frontend has already canceled.
type bgValueContext struct {
	context.Context
	base context.Context
}

func (c bgValueContext) Value(key any) any { return c.base.Value(key) }

// RemapRouteParamsToBgContext returns a context carrying the same values
// as ctx but detached from ctx's Done channel and deadline, rooted in
// context.Background instead.
func RemapRouteParamsToBgContext(ctx context.Context) context.Context {
	return bgValueContext{Context: context.Background(), base: ctx}
}
