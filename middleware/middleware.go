package middleware

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sot-tech/chihaya-tracker/bittorrent"
	"github.com/sot-tech/chihaya-tracker/pkg/log"
	"github.com/sot-tech/chihaya-tracker/pkg/stop"
	"github.com/sot-tech/chihaya-tracker/storage"
)

// rawYAML captures a configuration block verbatim, so the top-level
// config can be unmarshalled before each named driver parses its own
// options: (they are arbitrary and driver-specific).
type rawYAML struct {
	node yaml.Node
}

func (r *rawYAML) UnmarshalYAML(value *yaml.Node) error {
	r.node = *value
	return nil
}

// Bytes re-serializes the captured block to YAML, for drivers (ported
// from a []byte-oriented config API) that unmarshal it themselves.
func (r rawYAML) Bytes() ([]byte, error) {
	return yaml.Marshal(r.node)
}

// Driver constructs a Hook from a middleware's own YAML configuration
// block, plus the PeerStorage the Logic chain was built against (for
// middlewares such as torrentapproval that need their own namespace in
// the shared key/value store).
type Driver interface {
	NewHook(optionBytes []byte, st storage.PeerStorage) (Hook, error)
}

var drivers = make(map[string]Driver)

// RegisterDriver makes a middleware available under name, for main's
// configuration to reference by that name under hooks:/pre_hooks:/
// post_hooks:. Called from a middleware package's init function.
func RegisterDriver(name string, d Driver) {
	if _, ok := drivers[name]; ok {
		panic("middleware: driver already registered for " + name)
	}
	drivers[name] = d
}

// NewHook builds a Hook for the named driver using the given YAML config
// block.
func NewHook(name string, optionBytes []byte, st storage.PeerStorage) (Hook, error) {
	d, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("middleware: no driver registered for %q", name)
	}
	return d.NewHook(optionBytes, st)
}

// HookConfig names one entry of a pre_hooks:/post_hooks: configuration
// list: a registered driver name plus its own YAML options, deferred
// until the driver itself unmarshals them.
type HookConfig struct {
	Name    string `yaml:"name"`
	Options rawYAML `yaml:"options"`
}

var logger = log.NewLogger("middleware")

// Logic wires a PeerStorage to the chains of Hooks that implement the
// announce/scrape orchestration (C4) every frontend calls into: preHooks
// run first and may reject the request outright (torrentapproval, rate
// limiting, ...); swarm interaction and response population always run
// next and produce the reply a frontend writes back to the client;
// postHooks then run asynchronously, after the reply is already on the
// wire, for anything that only needs to observe the finished exchange
// (stats, logging).
type Logic struct {
	announceInterval    time.Duration
	announceMinInterval time.Duration
	swarmInteraction    Hook
	response            Hook
	preHooks            []Hook
	postHooks           []Hook
}

// NewLogic builds a Logic around store, running preHooks before the
// swarm is touched and postHooks (asynchronously) after the response
// has already been sent to the client.
func NewLogic(store storage.PeerStorage, announceInterval, announceMinInterval time.Duration, preHooks, postHooks []Hook) *Logic {
	return &Logic{
		announceInterval:    announceInterval,
		announceMinInterval: announceMinInterval,
		swarmInteraction:    NewSwarmInteractionHook(store),
		response:            NewResponseHook(store),
		preHooks:            preHooks,
		postHooks:           postHooks,
	}
}

// HandleAnnounce runs req through the preHooks, swarm interaction, and
// response population, returning the AnnounceResponse a frontend should
// write back to the client.
func (l *Logic) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (context.Context, *bittorrent.AnnounceResponse, error) {
	resp := &bittorrent.AnnounceResponse{
		Interval:    l.announceInterval,
		MinInterval: l.announceMinInterval,
		Compact:     req.Compact,
	}

	var err error
	for _, h := range l.preHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			return ctx, nil, err
		}
	}
	if ctx, err = l.swarmInteraction.HandleAnnounce(ctx, req, resp); err != nil {
		return ctx, nil, err
	}
	if ctx, err = l.response.HandleAnnounce(ctx, req, resp); err != nil {
		return ctx, nil, err
	}
	return ctx, resp, nil
}

// AfterAnnounce runs req/resp through the postHooks. It never returns an
// error to the caller: by the time it runs, the response has already
// been written, so a postHook failure can only be logged.
func (l *Logic) AfterAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) {
	var err error
	for _, h := range l.postHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			logger.Error().Err(err).Msg("post-announce hook failed")
			return
		}
	}
}

// HandleScrape runs req through the preHooks, swarm interaction, and
// response population, returning the ScrapeResponse a frontend should
// write back to the client.
func (l *Logic) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest) (context.Context, *bittorrent.ScrapeResponse, error) {
	resp := &bittorrent.ScrapeResponse{}

	var err error
	for _, h := range l.preHooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			return ctx, nil, err
		}
	}
	if ctx, err = l.swarmInteraction.HandleScrape(ctx, req, resp); err != nil {
		return ctx, nil, err
	}
	if ctx, err = l.response.HandleScrape(ctx, req, resp); err != nil {
		return ctx, nil, err
	}
	return ctx, resp, nil
}

// AfterScrape runs req/resp through the postHooks, logging (rather than
// returning) any error, for the same reason as AfterAnnounce.
func (l *Logic) AfterScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) {
	var err error
	for _, h := range l.postHooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			logger.Error().Err(err).Msg("post-scrape hook failed")
			return
		}
	}
}

// Stop shuts down every Hook that implements stop.Stopper.
func (l *Logic) Stop() stop.Result {
	all := make([]Hook, 0, len(l.preHooks)+len(l.postHooks)+2)
	all = append(all, l.swarmInteraction, l.response)
	all = append(all, l.preHooks...)
	all = append(all, l.postHooks...)

	group := stop.NewGroup()
	for _, h := range all {
		if s, ok := h.(stop.Stopper); ok {
			group.Add(s)
		}
	}
	return group.Stop()
}

// HooksFromConfigs resolves a list of HookConfig entries into concrete
// Hooks via the driver registry.
func HooksFromConfigs(cfgs []HookConfig, st storage.PeerStorage) ([]Hook, error) {
	hooks := make([]Hook, 0, len(cfgs))
	for _, c := range cfgs {
		optionBytes, err := c.Options.Bytes()
		if err != nil {
			return nil, err
		}
		h, err := NewHook(c.Name, optionBytes, st)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, h)
	}
	return hooks, nil
}
