package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/hed1ad/plantguard/pkg/errs"
)

// Validate ensures the configuration is usable. Every failure wraps
// errs.ErrConfig.
func (c *Config) Validate() error {
	if err := c.validateData(); err != nil {
		return err
	}
	if err := c.validateSplit(); err != nil {
		return err
	}
	if c.Window.Length <= 0 || c.Window.Stride <= 0 {
		return configErr("window.length and window.stride must be positive (got %d, %d)",
			c.Window.Length, c.Window.Stride)
	}
	if err := c.Detector.validate("detector"); err != nil {
		return err
	}
	if err := c.Classifier.validate("classifier"); err != nil {
		return err
	}
	if err := c.validateCascade(); err != nil {
		return err
	}
	if c.Baseline.Enabled {
		if c.Baseline.Trees <= 0 || c.Baseline.SampleSize <= 0 {
			return configErr("baseline.trees and baseline.sample_size must be positive")
		}
		if c.Baseline.Contamination < 0 || c.Baseline.Contamination >= 0.5 {
			return configErr("baseline.contamination must be in [0, 0.5)")
		}
	}
	if c.Server.MaxBodyBytes <= 0 {
		return configErr("server.max_body_bytes must be positive")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		return configErr("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return configErr("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateData() error {
	cols := map[string]string{
		"data.run_column":       c.Data.RunColumn,
		"data.timestamp_column": c.Data.TimestampColumn,
		"data.anomaly_column":   c.Data.AnomalyColumn,
	}
	for key, v := range cols {
		if strings.TrimSpace(v) == "" {
			return configErr("%s must be set", key)
		}
	}
	return nil
}

func (c *Config) validateSplit() error {
	f := c.Split.TestFraction
	if math.IsNaN(f) || f <= 0 || f >= 1 {
		return configErr("split.test_fraction must be in (0, 1), got %v", f)
	}
	return nil
}

func (c *Config) validateCascade() error {
	t := c.Cascade.Threshold
	if math.IsNaN(t) || t < 0 || t > 1 {
		return configErr("cascade.threshold must be in [0, 1], got %v", t)
	}
	if c.Cascade.SweepPoints < 0 {
		return configErr("cascade.sweep_points must not be negative")
	}
	return nil
}

func (s Stage) validate(section string) error {
	if s.Hidden <= 0 {
		return configErr("%s.hidden must be positive", section)
	}
	if s.Epochs <= 0 {
		return configErr("%s.epochs must be positive", section)
	}
	if s.BatchSize <= 0 {
		return configErr("%s.batch_size must be positive", section)
	}
	if !(s.LearningRate > 0) {
		return configErr("%s.learning_rate must be positive", section)
	}
	if s.ClipNorm < 0 {
		return configErr("%s.clip_norm must not be negative", section)
	}
	if s.Workers < 0 {
		return configErr("%s.workers must not be negative", section)
	}
	return nil
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errs.ErrConfig, fmt.Sprintf(format, args...))
}
