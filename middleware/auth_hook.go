package middleware

import (
	"context"

	"github.com/sot-tech/chihaya-tracker/auth"
	"github.com/sot-tech/chihaya-tracker/bittorrent"
)

// AuthKeyParam is the RouteParams/query key an authHook looks for: a
// private tracker's "/announce/{key}" path segment, or an "?key="
// query parameter for frontends that don't route on it.
const AuthKeyParam = "key"

type authHook struct {
	store auth.Store
}

// NewAuthHook returns a Hook that authenticates every announce/scrape
// against store before letting it reach the swarm, the basis of a
// private tracker (C5). It reads the key from RouteParams first (set by
// a frontend's path router) and falls back to the request's own Params.
func NewAuthHook(store auth.Store) Hook {
	return &authHook{store: store}
}

func keyFrom(ctx context.Context, p bittorrent.Params) (string, bool) {
	if rp, ok := bittorrent.RouteParamsFromContext(ctx); ok {
		if v, ok := rp.ByName(AuthKeyParam); ok {
			return v, true
		}
	}
	if p != nil {
		return p.String(AuthKeyParam)
	}
	return "", false
}

func (h *authHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	key, ok := keyFrom(ctx, req.Params)
	if !ok {
		return ctx, auth.ErrMalformed
	}
	return ctx, h.store.Authenticate(key)
}

func (h *authHook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	key, ok := keyFrom(ctx, req.Params)
	if !ok {
		return ctx, auth.ErrMalformed
	}
	return ctx, h.store.Authenticate(key)
}
