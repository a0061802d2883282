// Package config holds the immutable configuration for one training run.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is constructed once at startup and passed explicitly into each
// component's constructor. It is treated as immutable for the whole run.
type Config struct {
	// ServerAddress is the TCP address the inference RPC server binds to
	// and actors dial.
	ServerAddress string

	// NumEnvs is the fixed environment-slot population on the serving side.
	NumEnvs int
	// EnvBatchSize is the number of environments driven by one actor.
	EnvBatchSize int

	// BatchSize is the number of unrolls per training batch.
	BatchSize int
	// UnrollLength is the trajectory window length in agent steps. Each
	// emitted unroll carries UnrollLength+1 steps; the extra step supplies
	// the bootstrap value.
	UnrollLength int
	// UnrollQueueCapacity bounds the completed-unroll queue. Capacity 1 is
	// the designed maximal backpressure: producers block once a single
	// unconsumed unroll is pending.
	UnrollQueueCapacity int

	// Discounting is the per-step discount factor gamma.
	Discounting float64
	// Lambda is the V-trace lambda in (0, 1].
	Lambda float64
	// ClipRhoThreshold caps the importance ratio in the value-target
	// correction. Zero disables clipping.
	ClipRhoThreshold float64
	// ClipPGRhoThreshold caps the importance ratio in the policy-gradient
	// advantage. Zero disables clipping.
	ClipPGRhoThreshold float64
	// MaxAbsReward clips rewards to [-MaxAbsReward, MaxAbsReward] when
	// computing the loss. Zero disables clipping.
	MaxAbsReward float64

	EntropyCost  float64
	BaselineCost float64
	KLCost       float64
	LearningRate float64

	// TotalEnvironmentFrames ends training once this many frames have been
	// consumed. Zero means run until the context is cancelled.
	TotalEnvironmentFrames int64
	// CheckpointInterval is the wall-clock cadence between checkpoint saves.
	CheckpointInterval time.Duration
	// LogEpisodeFrequency is the reporting granularity: the episode-summary
	// queue is drained in multiples of this count.
	LogEpisodeFrequency int

	// StoreKind selects the checkpoint store backend (memory|sqlite).
	StoreKind string
	// StorePath is the sqlite database path when StoreKind is sqlite.
	StorePath string

	Seed int64
}

// Default returns a Config with working defaults for the CLI demo.
func Default() Config {
	return Config{
		ServerAddress:       "127.0.0.1:8686",
		NumEnvs:             16,
		EnvBatchSize:        4,
		BatchSize:           4,
		UnrollLength:        20,
		UnrollQueueCapacity: 1,
		Discounting:         0.99,
		Lambda:              1.0,
		ClipRhoThreshold:    1.0,
		ClipPGRhoThreshold:  1.0,
		MaxAbsReward:        0,
		EntropyCost:         0.00025,
		BaselineCost:        0.5,
		KLCost:              0,
		LearningRate:        0.001,
		CheckpointInterval:  30 * time.Minute,
		LogEpisodeFrequency: 1,
		StoreKind:           "memory",
		StorePath:           "tracerl.db",
		Seed:                1,
	}
}

// Validate checks the invariants the pipeline depends on.
func (c Config) Validate() error {
	if c.NumEnvs <= 0 {
		return errors.New("num envs must be > 0")
	}
	if c.EnvBatchSize <= 0 {
		return errors.New("env batch size must be > 0")
	}
	if c.EnvBatchSize > c.NumEnvs {
		return fmt.Errorf("env batch size %d exceeds num envs %d", c.EnvBatchSize, c.NumEnvs)
	}
	if c.BatchSize <= 0 {
		return errors.New("batch size must be > 0")
	}
	if c.UnrollLength <= 0 {
		return errors.New("unroll length must be > 0")
	}
	if c.UnrollQueueCapacity < 0 {
		return errors.New("unroll queue capacity must be >= 0")
	}
	if c.Discounting < 0 || c.Discounting >= 1 {
		return fmt.Errorf("discounting %v outside [0, 1)", c.Discounting)
	}
	if c.Lambda <= 0 || c.Lambda > 1 {
		return fmt.Errorf("lambda %v outside (0, 1]", c.Lambda)
	}
	if c.ClipRhoThreshold < 0 {
		return errors.New("clip rho threshold must be >= 0")
	}
	if c.ClipPGRhoThreshold < 0 {
		return errors.New("clip pg rho threshold must be >= 0")
	}
	if c.MaxAbsReward < 0 {
		return errors.New("max abs reward must be >= 0")
	}
	if c.LearningRate <= 0 {
		return errors.New("learning rate must be > 0")
	}
	if c.CheckpointInterval <= 0 {
		return errors.New("checkpoint interval must be > 0")
	}
	if c.LogEpisodeFrequency <= 0 {
		return errors.New("log episode frequency must be > 0")
	}
	return nil
}
