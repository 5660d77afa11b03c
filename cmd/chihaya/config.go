package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sot-tech/chihaya-tracker/middleware"
)

// driverConfig names a pluggable driver (storage backend, auth store,
// frontend) plus the config block to unmarshal for it.
type driverConfig struct {
	Name   string         `yaml:"name"`
	Config map[string]any `yaml:"config"`
}

// Config is the top-level YAML document this tracker is started from.
type Config struct {
	MetricsAddr         string        `yaml:"metrics_addr"`
	AnnounceInterval    time.Duration `yaml:"announce_interval"`
	AnnounceMinInterval time.Duration `yaml:"announce_min_interval"`

	// TrackerUsageStatistics turns on the statistics event bus. StatsQueueCapacity
	// bounds its queue; zero picks pkg/stats' default.
	TrackerUsageStatistics bool `yaml:"tracker_usage_statistics"`
	StatsQueueCapacity     int  `yaml:"stats_queue_capacity"`

	Storage driverConfig `yaml:"storage"`

	// Auth configures a private tracker's key store. Name is left empty
	// for an open tracker, skipping auth hook installation entirely.
	Auth driverConfig `yaml:"auth"`

	PreHooks  []middleware.HookConfig `yaml:"prehooks"`
	PostHooks []middleware.HookConfig `yaml:"posthooks"`

	Frontends []driverConfig `yaml:"frontends"`
}

// ParseConfigFile reads and decodes the YAML document at path.
func ParseConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
