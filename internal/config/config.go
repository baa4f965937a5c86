// Package config loads REAM's node configuration from TOML and
// supports hot-reloading the subset of knobs that are safe to change
// live: scheduler worker counts stay fixed for the process lifetime,
// but resource quotas can be adjusted without a restart. Rebalance
// cadence is not part of Config.
package config

import (
	"os"
	"time"

	"github.com/naoina/toml"

	"github.com/reamlang/ream/internal/log"
)

// Config is REAM's node-level configuration.
type Config struct {
	Scheduler struct {
		Workers             int
		QuantumInstructions int
		BackoffBaseMillis   int
		BackoffMaxMillis    int
	}
	Timer struct {
		TickPeriodMillis int
	}
	RealTime struct {
		Policy string // "edf", "rm", "hybrid"
	}
	Resources struct {
		MaxCPUTimeMillis       int64
		CPUTimePeriodMillis    int64
		MaxMemoryBytes         int64
		MaxFileHandles         int
		MaxSocketHandles       int
		MaxNetworkBandwidthBPS float64
		MaxDiskIOBPS           float64
		MaxSyscallsPerSecond   float64
	}
	ProgramStore struct {
		Dir     string
		HotSize int
	}
	Metrics struct {
		IntervalMillis int
		TSDBDir        string
		InfluxAddr     string
		InfluxDatabase string
		InfluxUsername string
		InfluxPassword string
	}
}

// Default returns REAM's out-of-the-box configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Scheduler.Workers = 4
	cfg.Scheduler.QuantumInstructions = 10_000
	cfg.Scheduler.BackoffBaseMillis = 0
	cfg.Scheduler.BackoffMaxMillis = 5
	cfg.Timer.TickPeriodMillis = 1
	cfg.RealTime.Policy = "hybrid"
	cfg.Resources.MaxFileHandles = 256
	cfg.Resources.MaxSocketHandles = 256
	cfg.ProgramStore.Dir = "./ream-programs"
	cfg.ProgramStore.HotSize = 256
	cfg.Metrics.IntervalMillis = 10_000
	return cfg
}

func (c *Config) MetricsInterval() time.Duration {
	return time.Duration(c.Metrics.IntervalMillis) * time.Millisecond
}

// Load reads and parses a TOML config file at path. naoina/toml maps
// struct fields case-insensitively, so the file does not need a
// `toml:"..."` tag on every field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) TickPeriod() time.Duration {
	return time.Duration(c.Timer.TickPeriodMillis) * time.Millisecond
}

var logger = log.Root.New("component", "config")
