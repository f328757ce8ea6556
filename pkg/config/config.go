// Package config provides the YAML configuration surface of the batch
// engine. A single EngineConfig drives the CLI and maps onto the in-process
// batch.Settings value.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/richarddahl/uno-batch/pkg/batch"
)

// EngineConfig is the full engine configuration document.
type EngineConfig struct {
	// Name labels the engine instance in logs and metrics.
	Name string `yaml:"name" json:"name"`

	Batch         BatchSection         `yaml:"batch" json:"batch"`
	Reliability   ReliabilitySection   `yaml:"reliability" json:"reliability"`
	Observability ObservabilitySection `yaml:"observability" json:"observability"`
	Database      DatabaseSection      `yaml:"database" json:"database"`
}

// BatchSection controls chunking and strategy selection.
type BatchSection struct {
	// BatchSize is the chunk size, and the cap when adaptive sizing picks
	// a smaller tier.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// MaxWorkers bounds concurrent chunks under the parallel strategy.
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`
	// Strategy names the execution strategy.
	Strategy string `yaml:"strategy" json:"strategy"`
	// OptimizeForSize enables adaptive batch sizing.
	OptimizeForSize bool `yaml:"optimize_for_size" json:"optimize_for_size"`
	// LogProgress logs completion percentage per chunk.
	LogProgress bool `yaml:"log_progress" json:"log_progress"`
}

// ReliabilitySection controls the per-chunk retry policy.
type ReliabilitySection struct {
	// RetryCount is the number of additional attempts per chunk.
	RetryCount int `yaml:"retry_count" json:"retry_count"`
	// RetryDelay is the constant wait between attempts.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// Timeout bounds each operation invocation; zero disables it.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// ObservabilitySection controls metrics and logging.
type ObservabilitySection struct {
	CollectMetrics bool   `yaml:"collect_metrics" json:"collect_metrics"`
	LogLevel       string `yaml:"log_level" json:"log_level"`
	Development    bool   `yaml:"development" json:"development"`
}

// DatabaseSection identifies the PostgreSQL target for the CLI.
type DatabaseSection struct {
	// URL is the connection string. Usually supplied via the DATABASE_URL
	// environment variable rather than the file.
	URL string `yaml:"url" json:"url"`
	// Table is the target table name.
	Table string `yaml:"table" json:"table"`
	// IDColumn is the primary-key column. Defaults to "id".
	IDColumn string `yaml:"id_column" json:"id_column"`
}

// Default returns the standard engine configuration.
func Default(name string) *EngineConfig {
	return &EngineConfig{
		Name: name,
		Batch: BatchSection{
			BatchSize:       batch.SizeTierMedium,
			MaxWorkers:      4,
			Strategy:        string(batch.StrategyChunked),
			OptimizeForSize: true,
			LogProgress:     false,
		},
		Reliability: ReliabilitySection{
			RetryCount: 3,
			RetryDelay: 500 * time.Millisecond,
			Timeout:    0,
		},
		Observability: ObservabilitySection{
			CollectMetrics: true,
			LogLevel:       "info",
			Development:    false,
		},
		Database: DatabaseSection{
			IDColumn: "id",
		},
	}
}

// Load reads an engine configuration file, applying defaults for any
// omitted fields.
func Load(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default("uno-batch")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}

	return cfg, nil
}

// Validate checks the configuration for correctness. The engine itself
// performs no eager validation of in-process settings, so the file
// boundary is where invalid values are rejected.
func (c *EngineConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Batch.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.Batch.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive")
	}
	if !batch.Strategy(c.Batch.Strategy).Valid() {
		return fmt.Errorf("unknown strategy %q", c.Batch.Strategy)
	}
	if c.Reliability.RetryCount < 0 {
		return fmt.Errorf("retry_count cannot be negative")
	}
	if c.Reliability.RetryDelay < 0 {
		return fmt.Errorf("retry_delay cannot be negative")
	}
	return nil
}

// Settings projects the configuration into the processor's settings value.
func (c *EngineConfig) Settings() batch.Settings {
	return batch.Settings{
		Name:            c.Name,
		BatchSize:       c.Batch.BatchSize,
		MaxWorkers:      c.Batch.MaxWorkers,
		Strategy:        batch.Strategy(c.Batch.Strategy),
		RetryCount:      c.Reliability.RetryCount,
		RetryDelay:      c.Reliability.RetryDelay,
		Timeout:         c.Reliability.Timeout,
		CollectMetrics:  c.Observability.CollectMetrics,
		LogProgress:     c.Batch.LogProgress,
		OptimizeForSize: c.Batch.OptimizeForSize,
	}
}
