// Package jwt implements an auth.Store that verifies bearer tokens issued
// by an external identity provider against its published JWKS, instead of
// keeping a key store of its own. Unlike static, it registers itself at
// init time: constructing a Store needs only config, no storage.DataStorage
// dependency from main.
package jwt

import (
	"context"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/sot-tech/chihaya-tracker/auth"
	"github.com/sot-tech/chihaya-tracker/bittorrent"
	"github.com/sot-tech/chihaya-tracker/pkg/conf"
	"github.com/sot-tech/chihaya-tracker/pkg/log"
)

// Name is the name by which this auth driver is registered.
const Name = "jwt"

var logger = log.NewLogger(Name)

func init() {
	auth.RegisterBuilder(Name, build)
}

// Config holds the configuration of the jwt auth driver.
type Config struct {
	// JWKSURL is fetched and kept warm in the background; tokens are
	// verified against whatever key set it currently holds.
	JWKSURL string `cfg:"jwks_url"`
	// Issuer, if set, must match the token's iss claim exactly.
	Issuer string `cfg:"issuer"`
	// Audience, if set, must appear in the token's aud claim.
	Audience string `cfg:"audience"`
	// RefreshInterval is how often the JWKS is re-fetched. Zero uses
	// jwkset's own default.
	RefreshInterval time.Duration `cfg:"refresh_interval"`
}

func build(icfg conf.MapConfig) (auth.Store, error) {
	var cfg Config
	if err := icfg.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	ctx := context.Background()
	opts := jwkset.HTTPClientStorageOptions{
		Ctx: ctx,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Warn().Err(err).Str("url", cfg.JWKSURL).Msg("JWKS refresh failed")
		},
	}
	if cfg.RefreshInterval > 0 {
		opts.RefreshInterval = cfg.RefreshInterval
	}
	store, err := jwkset.NewHTTPClient(ctx, jwkset.HTTPClientOptions{
		HTTPURLs: map[string]jwkset.HTTPClientStorageOptions{cfg.JWKSURL: opts},
	})
	if err != nil {
		return nil, err
	}

	kf, err := keyfunc.New(keyfunc.Options{Storage: store})
	if err != nil {
		return nil, err
	}

	return &jwtStore{kf: kf, issuer: cfg.Issuer, audience: cfg.Audience}, nil
}

type jwtStore struct {
	kf       *keyfunc.Keyfunc
	issuer   string
	audience string
}

// ErrUnsupported is returned by the write-side Store methods: an external
// identity provider, not this tracker, owns the key lifecycle.
var ErrUnsupported = bittorrent.ClientError("jwt: key management is delegated to the identity provider")

func (s *jwtStore) Authenticate(key string) error {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	token, err := jwt.Parse(key, s.kf.Keyfunc, opts...)
	if err != nil {
		return auth.ErrMalformed
	}
	if !token.Valid {
		return auth.ErrExpired
	}
	return nil
}

func (s *jwtStore) Generate(time.Duration) (auth.Key, error) { return auth.Key{}, ErrUnsupported }

func (s *jwtStore) Remove(string) error { return ErrUnsupported }

func (s *jwtStore) List() ([]auth.Key, error) { return nil, ErrUnsupported }

func (s *jwtStore) ReloadFromStore() error {
	// jwkset's HTTP client storage refreshes itself on RefreshInterval;
	// there is no local copy to reload on demand.
	return nil
}
