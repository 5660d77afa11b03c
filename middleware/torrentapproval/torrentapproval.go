// Package torrentapproval implements a middleware Hook that rejects
// announces/scrapes for InfoHashes a configured container.Container does
// not approve — the basis of a private/whitelist-only tracker.
package torrentapproval

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/sot-tech/chihaya-tracker/bittorrent"
	"github.com/sot-tech/chihaya-tracker/middleware"
	"github.com/sot-tech/chihaya-tracker/middleware/torrentapproval/container"
	_ "github.com/sot-tech/chihaya-tracker/middleware/torrentapproval/container/list"
	"github.com/sot-tech/chihaya-tracker/storage"
)

// Name is the name by which this middleware is registered.
const Name = "torrent approval"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

// Config names the container.Container driver to consult.
type Config struct {
	Container string    `yaml:"container"`
	Options   yaml.Node `yaml:"options"`
}

func (d driver) NewHook(optionBytes []byte, st storage.PeerStorage) (middleware.Hook, error) {
	var cfg Config
	if err := yaml.Unmarshal(optionBytes, &cfg); err != nil {
		return nil, fmt.Errorf("invalid options for middleware %s: %w", Name, err)
	}

	containerOptions, err := yaml.Marshal(cfg.Options)
	if err != nil {
		return nil, err
	}

	c, err := container.New(cfg.Container, containerOptions, st)
	if err != nil {
		return nil, fmt.Errorf("torrentapproval: %w", err)
	}

	return &hook{approved: c}, nil
}

// ErrTorrentUnapproved is returned to the client when its InfoHash is
// not on the configured whitelist.
var ErrTorrentUnapproved = bittorrent.ClientError("unapproved torrent")

type hook struct {
	approved container.Container
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	if !h.isApproved(req.InfoHash) {
		return ctx, ErrTorrentUnapproved
	}
	return ctx, nil
}

func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	filtered := req.InfoHashes[:0]
	for _, ih := range req.InfoHashes {
		if h.isApproved(ih) {
			filtered = append(filtered, ih)
		}
	}
	req.InfoHashes = filtered
	return ctx, nil
}

func (h *hook) isApproved(ih bittorrent.InfoHash) bool {
	if h.approved.Approved(ih) {
		return true
	}
	if len(ih) == bittorrent.InfoHashV2Len {
		return h.approved.Approved(ih.TruncateV1())
	}
	return false
}
