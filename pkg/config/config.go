// Package config loads the YAML-backed settings a jmapd node boots with.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for Go duration strings
// ("500ms", "5s") — yaml.v3 has no built-in notion of time.Duration since
// it's just a defined int64, so without this a duration key would only
// accept a raw nanosecond count.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string ("500ms") or a bare
// integer nanosecond count, mirroring encoding/json's common convention
// for the same ambiguity.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return err
		}
		*d = Duration(time.Duration(n))
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds every recognized configuration key from spec.md's
// Configuration table. Field names and yaml tags follow the spec's
// kebab-case key names.
type Config struct {
	DBPath             string   `yaml:"db-path"`
	BlobNestedLevels   int      `yaml:"blob-nested-levels"`
	MaxObjectsInGet    int      `yaml:"max-objects-in-get"`
	RaftCommitTimeout  Duration `yaml:"raft-commit-timeout"`
	IsInCluster        bool     `yaml:"is-in-cluster"`
	ElectionTimeoutMin Duration `yaml:"election-timeout-min"`
	ElectionTimeoutMax Duration `yaml:"election-timeout-max"`
	HeartbeatInterval  Duration `yaml:"heartbeat-interval"`

	NodeID   string `yaml:"node-id"`
	BindAddr string `yaml:"bind-addr"`
	APIAddr  string `yaml:"api-addr"`
}

// Default returns the baseline configuration a bare `jmapd serve` boots
// with when no file is given.
func Default() *Config {
	return &Config{
		DBPath:             "./jmapd-data",
		BlobNestedLevels:   2,
		MaxObjectsInGet:    500,
		RaftCommitTimeout:  Duration(5 * time.Second),
		IsInCluster:        false,
		ElectionTimeoutMin: Duration(150 * time.Millisecond),
		ElectionTimeoutMax: Duration(500 * time.Millisecond),
		HeartbeatInterval:  Duration(100 * time.Millisecond),
		NodeID:             "node-1",
		BindAddr:           "127.0.0.1:7946",
		APIAddr:            "127.0.0.1:8080",
	}
}

// Load reads and unmarshals a YAML config file, applying defaults for
// every key the file omits and clamping the keys spec.md bounds.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.clamp()
	return cfg, nil
}

// clamp enforces the bounds spec.md names explicitly: blob-nested-levels
// must stay in [1,5] (outside that range the blob store's directory
// fan-out is either useless or pathological), and a zero/negative
// max-objects-in-get or Raft timeout would otherwise silently disable
// the limit or the protocol's liveness guarantees.
func (c *Config) clamp() {
	switch {
	case c.BlobNestedLevels < 1:
		c.BlobNestedLevels = 1
	case c.BlobNestedLevels > 5:
		c.BlobNestedLevels = 5
	}
	if c.MaxObjectsInGet <= 0 {
		c.MaxObjectsInGet = 500
	}
	if c.RaftCommitTimeout <= 0 {
		c.RaftCommitTimeout = Duration(5 * time.Second)
	}
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = Duration(150 * time.Millisecond)
	}
	if c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		c.ElectionTimeoutMax = c.ElectionTimeoutMin
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = Duration(100 * time.Millisecond)
	}
}
