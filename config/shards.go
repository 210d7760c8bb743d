package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// IPShard defines a set of instruments that should be polled from a specific
// source IP. OKX counts public REST quota per IP, so each shard gets its own
// limiter.
type IPShard struct {
	IP          string   `yaml:"ip"`
	Instruments []string `yaml:"instruments"`
}

// IPShards represents the full shard configuration.
type IPShards struct {
	Shards []IPShard `yaml:"shards"`
}

// LoadIPShards loads shard configuration from the given path.
func LoadIPShards(path string) (*IPShards, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shards file: %w", err)
	}
	var cfg IPShards
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shards file: %w", err)
	}
	seen := make(map[string]struct{}, len(cfg.Shards))
	for i, shard := range cfg.Shards {
		if net.ParseIP(shard.IP) == nil {
			return nil, fmt.Errorf("shards[%d].ip '%s' is not an IP address", i, shard.IP)
		}
		if _, dup := seen[shard.IP]; dup {
			return nil, fmt.Errorf("shards[%d].ip '%s' is listed twice", i, shard.IP)
		}
		seen[shard.IP] = struct{}{}
		if len(shard.Instruments) == 0 {
			return nil, fmt.Errorf("shards[%d] has no instruments", i)
		}
	}
	return &cfg, nil
}
