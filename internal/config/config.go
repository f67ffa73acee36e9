// Package config loads the node's tunable constants — the Go-host
// analogue of neuron_config.h's constexpr table — from an optional TOML
// file, falling back to the firmware's defaults.
package config

import (
	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"
)

// Scheduler holds the cooperative scheduler's tunables.
type Scheduler struct {
	GuardUS          uint32 `toml:"guard_us"`
	MaxBurstUS       uint32 `toml:"max_burst_us"`
	MinBudgetUS      uint32 `toml:"min_budget_us"`
	ThermalLowC      uint8  `toml:"thermal_low_c"`
	ThermalShutdownC uint8  `toml:"thermal_shutdown_c"`
}

// Learning holds the learning engine's tunables.
type Learning struct {
	LearningRate     float64 `toml:"learning_rate"`
	GossipIntervalMS uint32  `toml:"gossip_interval_ms"`
	SamplesPerApply  uint8   `toml:"samples_per_apply"`
}

// Flash holds the persistence layer's geometry.
type Flash struct {
	BaseAddr uint32 `toml:"base_addr"`
}

// Config is the full tunable surface for one node.
type Config struct {
	Scheduler Scheduler `toml:"scheduler"`
	Learning  Learning  `toml:"learning"`
	Flash     Flash     `toml:"flash"`
}

// Default mirrors neuron_config.h exactly.
func Default() Config {
	return Config{
		Scheduler: Scheduler{
			GuardUS:          2000,
			MaxBurstUS:       5000,
			MinBudgetUS:      100,
			ThermalLowC:      55,
			ThermalShutdownC: 70,
		},
		Learning: Learning{
			LearningRate:     0.001,
			GossipIntervalMS: 5000,
			SamplesPerApply:  10,
		},
		Flash: Flash{
			BaseAddr: 0x40000,
		},
	}
}

// Load reads a TOML file at path, applying it over Default() so an
// unspecified field keeps the firmware default.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, xerrors.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}
