// Package config loads the YAML configuration shared by the commands.
// Values come from Default, overridden by the file, overridden by flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/juanpablocruz/ngchs/pkg/history"
)

type Config struct {
	Log     LogConfig      `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Store   StoreConfig    `yaml:"store"`
	Node    NodeConfig     `yaml:"node"`
	History history.Config `yaml:"history"`
	Sim     SimConfig      `yaml:"sim"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Dev   bool   `yaml:"dev"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	// Dir holds one pebble database per node. Empty keeps history in memory.
	Dir string `yaml:"dir"`
}

type NodeConfig struct {
	MinTick time.Duration `yaml:"min_tick"`
	MaxTick time.Duration `yaml:"max_tick"`
}

// SimConfig drives cmd/ngchs-sim.
type SimConfig struct {
	Peers         int           `yaml:"peers"`
	Group         uint32        `yaml:"group"`
	Duration      time.Duration `yaml:"duration"`
	WriteInterval time.Duration `yaml:"write_interval"`
	// Writers stop this long before the end so history can settle.
	QuiesceLast time.Duration `yaml:"quiesce_last"`
	// Mean time between a random peer leaving the group, 0 disables churn.
	ChurnPeriod time.Duration `yaml:"churn_period"`
	RejoinDelay time.Duration `yaml:"rejoin_delay"`
	Loss        float64       `yaml:"loss"`
	Dup         float64       `yaml:"dup"`
	Reorder     float64       `yaml:"reorder"`
	Delay       time.Duration `yaml:"delay"`
	Jitter      time.Duration `yaml:"jitter"`
	OutDir      string        `yaml:"out_dir"`
	SampleEvery time.Duration `yaml:"sample_every"`
	PrintEvents bool          `yaml:"print_events"`
}

func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info"},
		Node:    NodeConfig{MinTick: 10 * time.Millisecond, MaxTick: time.Second},
		History: history.DefaultConfig(),
		Sim: SimConfig{
			Peers:         4,
			Group:         1,
			Duration:      time.Minute,
			WriteInterval: 2 * time.Second,
			QuiesceLast:   20 * time.Second,
			ChurnPeriod:   10 * time.Second,
			RejoinDelay:   3 * time.Second,
			OutDir:        "out",
			SampleEvery:   time.Second,
		},
	}
}

// Load reads path over Default. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if err := c.History.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("history: %w", err))
	}
	if c.Node.MinTick <= 0 || c.Node.MaxTick < c.Node.MinTick {
		errs = append(errs, fmt.Errorf("node: need 0 < min_tick <= max_tick, got %s, %s", c.Node.MinTick, c.Node.MaxTick))
	}
	s := c.Sim
	if s.Peers < 2 {
		errs = append(errs, fmt.Errorf("sim: peers must be at least 2: %d", s.Peers))
	}
	if s.WriteInterval <= 0 {
		errs = append(errs, fmt.Errorf("sim: write_interval must be positive: %s", s.WriteInterval))
	}
	if s.SampleEvery <= 0 {
		errs = append(errs, fmt.Errorf("sim: sample_every must be positive: %s", s.SampleEvery))
	}
	for name, p := range map[string]float64{"loss": s.Loss, "dup": s.Dup, "reorder": s.Reorder} {
		if p < 0 || p > 1 {
			errs = append(errs, fmt.Errorf("sim: %s must be in [0,1]: %g", name, p))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
