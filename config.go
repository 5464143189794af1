package replay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the per-instrument replay pipeline.
// Zero values are filled in by Validate, so a partially specified YAML file
// or struct literal is acceptable.
type Config struct {
	// TopDepth is the number of near-touch slots per side (one slot per tick).
	TopDepth int `yaml:"top_depth"`

	// TickSize is the price increment between adjacent near-touch slots,
	// expressed as a scaled integer (protocol.PriceScale).
	TickSize int64 `yaml:"tick_size"`

	// LookAheadWindow is the reorder buffer span in sequence slots. Deltas
	// further ahead than this from the expected sequence declare a gap.
	LookAheadWindow uint64 `yaml:"look_ahead_window"`

	// HoldTimeout bounds how long the oldest buffered delta may wait for a
	// gap to close before the sequencer degrades to gap recovery.
	HoldTimeout time.Duration `yaml:"hold_timeout"`

	// MaxBatchEvents flushes a micro-batch when it reaches this many events.
	MaxBatchEvents int `yaml:"max_batch_events"`

	// MaxBatchWait flushes a non-empty micro-batch after this much time even
	// if MaxBatchEvents has not been reached.
	MaxBatchWait time.Duration `yaml:"max_batch_wait"`

	// CheckpointEvents triggers a checkpoint after this many applied events.
	CheckpointEvents int `yaml:"checkpoint_events"`

	// CheckpointInterval triggers a checkpoint after this much wall-clock
	// time since the last one, whichever of the two bounds comes first.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// RecoveryMaxRetries bounds feed requests during recovery before the
	// error is surfaced to the operator.
	RecoveryMaxRetries int `yaml:"recovery_max_retries"`

	// RingSize is the inbound ring buffer capacity. Must be a power of two.
	RingSize int64 `yaml:"ring_size"`

	// TickInterval drives the pipeline's internal clock (batch wait, hold
	// timeout and checkpoint interval checks).
	TickInterval time.Duration `yaml:"tick_interval"`
}

// DefaultConfig returns a config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		TopDepth:           20,
		TickSize:           1_000_000, // 0.01 at PriceScale
		LookAheadWindow:    512,
		HoldTimeout:        500 * time.Millisecond,
		MaxBatchEvents:     256,
		MaxBatchWait:       5 * time.Millisecond,
		CheckpointEvents:   10_000,
		CheckpointInterval: 30 * time.Second,
		RecoveryMaxRetries: 5,
		RingSize:           8192,
		TickInterval:       10 * time.Millisecond,
	}
}

// LoadConfig reads a YAML config file and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills defaults for zero-valued fields and rejects unusable values.
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.TopDepth == 0 {
		c.TopDepth = def.TopDepth
	}
	if c.TickSize == 0 {
		c.TickSize = def.TickSize
	}
	if c.LookAheadWindow == 0 {
		c.LookAheadWindow = def.LookAheadWindow
	}
	if c.HoldTimeout == 0 {
		c.HoldTimeout = def.HoldTimeout
	}
	if c.MaxBatchEvents == 0 {
		c.MaxBatchEvents = def.MaxBatchEvents
	}
	if c.MaxBatchWait == 0 {
		c.MaxBatchWait = def.MaxBatchWait
	}
	if c.CheckpointEvents == 0 {
		c.CheckpointEvents = def.CheckpointEvents
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = def.CheckpointInterval
	}
	if c.RecoveryMaxRetries == 0 {
		c.RecoveryMaxRetries = def.RecoveryMaxRetries
	}
	if c.RingSize == 0 {
		c.RingSize = def.RingSize
	}
	if c.TickInterval == 0 {
		c.TickInterval = def.TickInterval
	}

	if c.TopDepth < 0 || c.TickSize < 0 {
		return fmt.Errorf("%w: top_depth and tick_size must be positive", ErrInvalidParam)
	}
	if c.RingSize&(c.RingSize-1) != 0 {
		return fmt.Errorf("%w: ring_size must be a power of two", ErrInvalidParam)
	}
	return nil
}
