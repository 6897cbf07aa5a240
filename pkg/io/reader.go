// Package io provides input/output utilities for plant readings and predictions.
package io

import (
	"context"

	"github.com/hed1ad/plantguard/pkg/schema"
)

// Record is one timestep of one run as it arrives from a tabular source.
type Record struct {
	RunID     string
	Timestamp int64
	Values    []float64
	Code      schema.Code
}

// Reader is the interface for reading labelled readings from various sources.
type Reader interface {
	// Read returns every record in source order.
	Read(ctx context.Context) ([]Record, error)

	// Close releases resources.
	Close() error
}

// Writer is the interface for writing window predictions.
type Writer interface {
	// Write outputs a single result.
	Write(result Result) error

	// WriteAll outputs multiple results.
	WriteAll(results []Result) error

	// Close flushes and releases resources.
	Close() error
}

// Result is the cascade outcome for one window.
type Result struct {
	RunID       string      `json:"run_id"`
	Start       int         `json:"start"`
	IsAnomaly   bool        `json:"is_anomaly"`
	Type        schema.Code `json:"anomaly_code"`
	Probability float64     `json:"probability"`
	Confidence  float64     `json:"confidence"`
}
