package csv

import (
	"encoding/csv"
	"io"
	"strconv"

	pgio "github.com/hed1ad/plantguard/pkg/io"
)

var resultHeader = []string{
	"run_id", "start", "is_anomaly", "anomaly_code", "anomaly_type", "probability", "confidence",
}

// Writer writes cascade results as CSV rows.
type Writer struct {
	w           *csv.Writer
	closer      io.Closer
	wroteHeader bool
}

// NewWriter wraps dst. If dst is an io.Closer it is closed by Close.
func NewWriter(dst io.Writer) *Writer {
	w := &Writer{w: csv.NewWriter(dst)}
	if c, ok := dst.(io.Closer); ok {
		w.closer = c
	}
	return w
}

// Write outputs a single result.
func (w *Writer) Write(result pgio.Result) error {
	if !w.wroteHeader {
		if err := w.w.Write(resultHeader); err != nil {
			return err
		}
		w.wroteHeader = true
	}
	return w.w.Write([]string{
		result.RunID,
		strconv.Itoa(result.Start),
		strconv.FormatBool(result.IsAnomaly),
		strconv.Itoa(int(result.Type)),
		result.Type.String(),
		strconv.FormatFloat(result.Probability, 'f', 6, 64),
		strconv.FormatFloat(result.Confidence, 'f', 6, 64),
	})
}

// WriteAll outputs multiple results and flushes.
func (w *Writer) WriteAll(results []pgio.Result) error {
	for _, r := range results {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	w.w.Flush()
	return w.w.Error()
}

// Close flushes buffered rows and closes the destination when owned.
func (w *Writer) Close() error {
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
