// Package config loads the plantguard TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/hed1ad/plantguard/pkg/detectors"
)

// Data describes the input CSV.
type Data struct {
	Path            string   `toml:"path"`
	RunColumn       string   `toml:"run_column"`
	TimestampColumn string   `toml:"timestamp_column"`
	AnomalyColumn   string   `toml:"anomaly_column"`
	Features        []string `toml:"features,omitempty"` // Empty means the built-in plant schema.
}

// Split controls the run-level train/test partition.
type Split struct {
	TestFraction float64 `toml:"test_fraction"`
	Seed         int64   `toml:"seed"`
	Stratify     bool    `toml:"stratify"`
}

// Window controls window extraction.
type Window struct {
	Length int `toml:"length"`
	Stride int `toml:"stride"`
}

// Stage holds the training settings of one cascade stage.
type Stage struct {
	Hidden       int     `toml:"hidden"`
	Epochs       int     `toml:"epochs"`
	BatchSize    int     `toml:"batch_size"`
	LearningRate float64 `toml:"learning_rate"`
	ClipNorm     float64 `toml:"clip_norm"`
	Seed         int64   `toml:"seed"`
	Workers      int     `toml:"workers"`
	// StrictClassCounts only applies to the classifier.
	StrictClassCounts bool `toml:"strict_class_counts"`
}

// Cascade controls inference.
type Cascade struct {
	Threshold   float64 `toml:"threshold"`
	SweepPoints int     `toml:"sweep_points"`
}

// Baseline controls the optional isolation forest comparison.
type Baseline struct {
	Enabled       bool    `toml:"enabled"`
	Trees         int     `toml:"trees"`
	SampleSize    int     `toml:"sample_size"`
	Contamination float64 `toml:"contamination"`
}

// Artifact controls where trained bundles are written.
type Artifact struct {
	Dir string `toml:"dir"`
}

// History controls the training ledger.
type History struct {
	Path string `toml:"path"` // Empty disables the ledger.
}

// Server controls the HTTP scoring API.
type Server struct {
	Bind            string `toml:"bind"`
	MaxBodyBytes    int64  `toml:"max_body_bytes"`
	ShutdownSeconds int    `toml:"shutdown_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for plantguard.
type Config struct {
	Data       Data     `toml:"data"`
	Split      Split    `toml:"split"`
	Window     Window   `toml:"window"`
	Detector   Stage    `toml:"detector"`
	Classifier Stage    `toml:"classifier"`
	Cascade    Cascade  `toml:"cascade"`
	Baseline   Baseline `toml:"baseline"`
	Artifact   Artifact `toml:"artifact"`
	History    History  `toml:"history"`
	Server     Server   `toml:"server"`
	Logging    Logging  `toml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Data: Data{
			Path:            "data/plant.csv",
			RunColumn:       "Run id",
			TimestampColumn: "Timestamp",
			AnomalyColumn:   "Anomaly",
		},
		Split:  Split{TestFraction: 0.2, Seed: 42},
		Window: Window{Length: 60, Stride: 10},
		Detector: Stage{
			Hidden: 64, Epochs: 12, BatchSize: 256, LearningRate: 1e-3, ClipNorm: 5.0, Seed: 42,
		},
		Classifier: Stage{
			Hidden: 96, Epochs: 12, BatchSize: 256, LearningRate: 1e-3, ClipNorm: 5.0, Seed: 42,
		},
		Cascade:  Cascade{Threshold: 0.5, SweepPoints: 11},
		Baseline: Baseline{Trees: 100, SampleSize: 256, Contamination: 0.1},
		Artifact: Artifact{Dir: "artifacts"},
		History:  History{Path: "plantguard.db"},
		Server:   Server{Bind: "127.0.0.1:5000", MaxBodyBytes: 8 << 20, ShutdownSeconds: 10},
		Logging:  Logging{Format: "console", Level: "info"},
	}
}

// Load parses the file at path over the defaults and validates the result.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("open config: %w", err)
		default:
			defer file.Close()
			decoder := toml.NewDecoder(file)
			decoder.DisallowUnknownFields()
			if err := decoder.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	enc := toml.NewEncoder(w)
	enc.SetIndentTables(true)
	return enc.Encode(c)
}

// DetectorConfig converts the detector section.
func (c *Config) DetectorConfig() detectors.Config {
	return c.Detector.stageConfig(c.Cascade.Threshold)
}

// ClassifierConfig converts the classifier section.
func (c *Config) ClassifierConfig() detectors.Config {
	return c.Classifier.stageConfig(c.Cascade.Threshold)
}

func (s Stage) stageConfig(threshold float64) detectors.Config {
	return detectors.Config{
		Hidden:       s.Hidden,
		Epochs:       s.Epochs,
		BatchSize:    s.BatchSize,
		LearningRate: s.LearningRate,
		ClipNorm:     s.ClipNorm,
		Threshold:    threshold,
		Workers:      s.Workers,
		RandomSeed:   s.Seed,
	}
}
