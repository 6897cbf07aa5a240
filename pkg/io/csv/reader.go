// Package csv reads labelled plant readings from CSV files and writes
// window predictions back out.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hed1ad/plantguard/pkg/errs"
	pgio "github.com/hed1ad/plantguard/pkg/io"
	"github.com/hed1ad/plantguard/pkg/runs"
	"github.com/hed1ad/plantguard/pkg/schema"
)

// Default column names of the labelled export.
const (
	DefaultRunColumn       = "Run id"
	DefaultTimestampColumn = "Timestamp"
	DefaultAnomalyColumn   = "Anomaly"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// Reader reads records from a CSV file with a header row.
type Reader struct {
	file   io.Closer
	reader *csv.Reader
	schema *schema.Schema

	runColumn       string
	timestampColumn string
	anomalyColumn   string

	headers  []string
	features []int
	runIdx   int
	tsIdx    int
	codeIdx  int
	line     int
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithRunColumn sets the run identifier column name.
func WithRunColumn(name string) Option {
	return func(r *Reader) {
		r.runColumn = name
	}
}

// WithTimestampColumn sets the timestamp column name.
func WithTimestampColumn(name string) Option {
	return func(r *Reader) {
		r.timestampColumn = name
	}
}

// WithAnomalyColumn sets the anomaly code column name.
func WithAnomalyColumn(name string) Option {
	return func(r *Reader) {
		r.anomalyColumn = name
	}
}

// NewReader opens filename and validates its header against s.
func NewReader(filename string, s *schema.Schema, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := newReader(file, file, s, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// NewReaderFrom reads CSV from an arbitrary source. Close is a no-op.
func NewReaderFrom(src io.Reader, s *schema.Schema, opts ...Option) (*Reader, error) {
	return newReader(src, nil, s, opts...)
}

func newReader(src io.Reader, closer io.Closer, s *schema.Schema, opts ...Option) (*Reader, error) {
	r := &Reader{
		file:            closer,
		reader:          csv.NewReader(src),
		schema:          s,
		runColumn:       DefaultRunColumn,
		timestampColumn: DefaultTimestampColumn,
		anomalyColumn:   DefaultAnomalyColumn,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.reader.ReuseRecord = true

	headers, err := r.reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	r.headers = append([]string(nil), headers...)
	r.line = 1

	if r.features, err = s.Bind(r.headers); err != nil {
		return nil, err
	}
	if r.runIdx, err = r.column(r.runColumn); err != nil {
		return nil, err
	}
	if r.tsIdx, err = r.column(r.timestampColumn); err != nil {
		return nil, err
	}
	if r.codeIdx, err = r.column(r.anomalyColumn); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) column(name string) (int, error) {
	for i, h := range r.headers {
		if strings.TrimSpace(h) == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: required column %q absent", errs.ErrDataIntegrity, name)
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Read returns all records. Any malformed cell fails the read.
func (r *Reader) Read(ctx context.Context) ([]pgio.Record, error) {
	var out []pgio.Record
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := r.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		r.line++

		rec, err := r.parseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", r.line, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Reader) parseRecord(record []string) (pgio.Record, error) {
	values := make([]float64, len(r.features))
	for i, col := range r.features {
		v, err := parseFloat(record[col])
		if err != nil {
			return pgio.Record{}, fmt.Errorf("%w: column %q: %v",
				errs.ErrDataIntegrity, r.schema.Name(i), err)
		}
		values[i] = v
	}

	codeVal, err := parseFloat(record[r.codeIdx])
	if err != nil || codeVal != math.Trunc(codeVal) {
		return pgio.Record{}, fmt.Errorf("%w: anomaly code %q", errs.ErrDataIntegrity, record[r.codeIdx])
	}
	code, err := schema.ParseCode(int(codeVal))
	if err != nil {
		return pgio.Record{}, err
	}

	ts, err := parseTimestamp(record[r.tsIdx])
	if err != nil {
		return pgio.Record{}, err
	}

	return pgio.Record{
		RunID:     strings.TrimSpace(record[r.runIdx]),
		Timestamp: ts,
		Values:    values,
		Code:      code,
	}, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// LoadStore reads every record into a run store.
func LoadStore(ctx context.Context, reader pgio.Reader, dim int) (*runs.Store, error) {
	records, err := reader.Read(ctx)
	if err != nil {
		return nil, err
	}
	store := runs.NewStore(dim)
	for _, rec := range records {
		if err := store.Append(rec.RunID, rec.Timestamp, rec.Values, rec.Code); err != nil {
			return nil, err
		}
	}
	if store.Len() == 0 {
		return nil, fmt.Errorf("%w: no records", errs.ErrDataIntegrity)
	}
	return store, nil
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "true":
		return 1, nil
	case "false":
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}

// maxTimestampSeconds keeps timestamps inside the int64 nanosecond range
// (about year 2261).
const maxTimestampSeconds = 9.2e9

// parseTimestamp accepts numeric seconds or wall-clock layouts and returns
// nanoseconds. Values outside the nanosecond range, such as epoch
// milliseconds, are rejected.
func parseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(v) || math.Abs(v) >= maxTimestampSeconds {
			return 0, fmt.Errorf("%w: timestamp %q is not a time in seconds within range",
				errs.ErrDataIntegrity, s)
		}
		return int64(v * 1e9), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if sec := t.Unix(); sec >= maxTimestampSeconds || sec <= -maxTimestampSeconds {
				return 0, fmt.Errorf("%w: timestamp %q out of range", errs.ErrDataIntegrity, s)
			}
			return t.UnixNano(), nil
		}
	}
	return 0, fmt.Errorf("%w: unparseable timestamp %q", errs.ErrDataIntegrity, s)
}
