// Package config loads the engine's YAML configuration via viper,
// mirroring the typed-struct-plus-mapstructure-tags idiom.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// CheckpointConfig tunes the three maybeCheckpoint triggers: a byte
// threshold, a wall-clock interval, and an estimated-dirty-memory cap.
type CheckpointConfig struct {
	EveryBytes      uint64 `mapstructure:"every_bytes"`
	EveryMs         uint64 `mapstructure:"every_ms"`
	MemoryThreshold uint64 `mapstructure:"memory_threshold"`
}

// EngineConfig is the top-level, YAML-loadable engine configuration.
type EngineConfig struct {
	PageCacheSize      int              `mapstructure:"page_cache_size"`
	Checkpoint         CheckpointConfig `mapstructure:"checkpoint"`
	LogLevel           string           `mapstructure:"log_level"`
	CompressMinSize    int              `mapstructure:"compress_min_size"`
	CompressSavingsPct int              `mapstructure:"compress_savings_pct"`
}

// DefaultConfig returns the configuration OpenDB falls back to when
// called with a nil *EngineConfig.
func DefaultConfig() *EngineConfig {
	return &EngineConfig{
		PageCacheSize: 2000,
		Checkpoint: CheckpointConfig{
			EveryBytes:      64 << 20, // 64 MiB of WAL growth
			EveryMs:         30000,
			MemoryThreshold: 256 << 20,
		},
		LogLevel:           "info",
		CompressMinSize:    64,
		CompressSavingsPct: 10,
	}
}

// Load reads an EngineConfig from a YAML file at path. Fields absent
// from the file keep their DefaultConfig value.
func Load(path string) (*EngineConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	def := DefaultConfig()
	v.SetDefault("page_cache_size", def.PageCacheSize)
	v.SetDefault("checkpoint.every_bytes", def.Checkpoint.EveryBytes)
	v.SetDefault("checkpoint.every_ms", def.Checkpoint.EveryMs)
	v.SetDefault("checkpoint.memory_threshold", def.Checkpoint.MemoryThreshold)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("compress_min_size", def.CompressMinSize)
	v.SetDefault("compress_savings_pct", def.CompressSavingsPct)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
