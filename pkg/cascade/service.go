package cascade

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/hed1ad/plantguard/pkg/errs"
	pgio "github.com/hed1ad/plantguard/pkg/io"
	"github.com/hed1ad/plantguard/pkg/runs"
	"github.com/hed1ad/plantguard/pkg/scale"
	"github.com/hed1ad/plantguard/pkg/schema"
	"github.com/hed1ad/plantguard/pkg/window"
)

// Model is everything needed to score raw readings: the feature schema,
// the fitted scaler, the window geometry and the trained stages.
type Model struct {
	ID           string
	CreatedAt    time.Time
	Schema       *schema.Schema
	Scale        scale.Params
	WindowLength int
	Stride       int
	Engine       *Engine
}

// ModelInfo describes a loaded model.
type ModelInfo struct {
	ID           string    `json:"model_id"`
	CreatedAt    time.Time `json:"created_at"`
	Features     int       `json:"features"`
	FeatureNames []string  `json:"feature_names"`
	WindowLength int       `json:"window_length"`
	Stride       int       `json:"stride"`
	Threshold    float64   `json:"threshold"`
	AnomalyTypes []string  `json:"anomaly_types"`
}

// RowScore is the scoring outcome for one input row.
type RowScore struct {
	Anomalous   bool    `json:"is_anomaly"`
	Type        string  `json:"anomaly_type"`
	Code        int     `json:"anomaly_code"`
	Confidence  float64 `json:"confidence"`
	Probability float64 `json:"anomaly_probability"`
	// Suspect is a coarse guess at the affected feature, set only for
	// anomalous rows. It looks at the scored window alone and is not an
	// attribution of the model's decision.
	Suspect string   `json:"suspect_feature,omitempty"`
	Missing []string `json:"missing_features,omitempty"`
}

// Service scores rows and runs against one Model. It holds no mutable
// state and is safe for concurrent use.
type Service struct {
	model  *Model
	logger *zap.Logger
}

// NewService validates m and wraps it.
func NewService(m *Model, logger *zap.Logger) (*Service, error) {
	if m == nil || m.Engine == nil || m.Schema == nil {
		return nil, fmt.Errorf("%w: incomplete model", errs.ErrConfig)
	}
	if m.WindowLength <= 0 || m.Stride <= 0 {
		return nil, fmt.Errorf("%w: window length and stride must be positive", errs.ErrConfig)
	}
	if m.Scale.Dim() != m.Schema.Len() {
		return nil, fmt.Errorf("%w: scaler has %d features, schema has %d",
			errs.ErrDataIntegrity, m.Scale.Dim(), m.Schema.Len())
	}
	if err := ValidateThreshold(m.Engine.Threshold); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{model: m, logger: logger}, nil
}

// Info returns the model metadata.
func (s *Service) Info() ModelInfo {
	m := s.model
	types := make([]string, 0, schema.NumCodes-1)
	for _, c := range schema.AnomalyCodes() {
		types = append(types, c.String())
	}
	return ModelInfo{
		ID:           m.ID,
		CreatedAt:    m.CreatedAt,
		Features:     m.Schema.Len(),
		FeatureNames: m.Schema.Names(),
		WindowLength: m.WindowLength,
		Stride:       m.Stride,
		Threshold:    m.Engine.Threshold,
		AnomalyTypes: types,
	}
}

// ScoreRows scores each row on the trailing window that ends at it. Rows
// are treated as consecutive readings of one run; when fewer than the
// window length precede a row the window is left-padded with the first
// row. Missing features are filled with 0 and reported per row; unknown
// keys are ignored.
func (s *Service) ScoreRows(ctx context.Context, rows []map[string]float64) ([]RowScore, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no rows to score", errs.ErrDataIntegrity)
	}
	m := s.model
	dim := m.Schema.Len()
	L := m.WindowLength

	scores := make([]RowScore, len(rows))
	normalized := make([][]float64, len(rows))
	for i, rec := range rows {
		row, missing := m.Schema.Reconcile(rec)
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: row %d: feature %s is not finite",
					errs.ErrDataIntegrity, i, m.Schema.Name(j))
			}
		}
		normalized[i] = m.Scale.ApplyRow(row)
		scores[i].Missing = missing
	}

	windows := make([]window.Window, len(rows))
	for i := range rows {
		values := make([]float64, L*dim)
		for t := 0; t < L; t++ {
			src := i - (L - 1) + t
			if src < 0 {
				src = 0
			}
			copy(values[t*dim:(t+1)*dim], normalized[src])
		}
		windows[i] = window.Window{
			RunID:  "request",
			Start:  max(0, i-L+1),
			Len:    L,
			Dim:    dim,
			Values: values,
		}
	}

	res, err := m.Engine.Infer(ctx, windows)
	if err != nil {
		return nil, err
	}
	for i := range scores {
		scores[i].Anomalous = res.Flags[i]
		scores[i].Code = int(res.Types[i])
		scores[i].Type = res.Types[i].String()
		scores[i].Probability = res.Probabilities[i]
		scores[i].Confidence = res.Confidence[i]
		if res.Flags[i] {
			scores[i].Suspect = m.Schema.Name(suspect(windows[i], res.Types[i]))
		}
	}

	s.logger.Debug("scored rows",
		zap.Int("rows", len(rows)),
		zap.Int("flagged", res.Flagged()),
	)
	return scores, nil
}

// ScoreRun normalizes a raw run, slides the model's window over it and
// scores every window. Runs shorter than the window length yield no
// results.
func (s *Service) ScoreRun(ctx context.Context, r *runs.Run) ([]pgio.Result, error) {
	m := s.model
	norm, err := m.Scale.Apply(r)
	if err != nil {
		return nil, err
	}
	ws, err := window.Extract(norm, m.WindowLength, m.Stride)
	if err != nil {
		return nil, err
	}
	res, err := m.Engine.Infer(ctx, ws)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", r.ID, err)
	}
	out := make([]pgio.Result, len(ws))
	for i, w := range ws {
		out[i] = pgio.Result{
			RunID:       w.RunID,
			Start:       w.Start,
			IsAnomaly:   res.Flags[i],
			Type:        res.Types[i],
			Probability: res.Probabilities[i],
			Confidence:  res.Confidence[i],
		}
	}
	return out, nil
}

// suspect picks the feature of w most consistent with the anomaly type,
// judged on normalized values. Freeze favours the feature that moved least
// over the window, Ramp the largest drift from first to last step, and Step
// the largest absolute value at the last step. Ties go to the lower index.
func suspect(w window.Window, code schema.Code) int {
	first, last := w.Step(0), w.Step(w.Len-1)
	idx := 0
	bestKey, bestTie := math.Inf(-1), math.Inf(-1)
	for j := 0; j < w.Dim; j++ {
		key, tie := math.Abs(last[j]), 0.0
		switch code {
		case schema.Freeze:
			lo, hi := last[j], last[j]
			for t := 0; t < w.Len; t++ {
				x := w.Step(t)[j]
				lo, hi = math.Min(lo, x), math.Max(hi, x)
			}
			// A stuck value far from the centre breaks ties.
			key, tie = lo-hi, math.Abs(last[j])
		case schema.Ramp:
			key = math.Abs(last[j] - first[j])
		}
		if key > bestKey || (key == bestKey && tie > bestTie) {
			idx, bestKey, bestTie = j, key, tie
		}
	}
	return idx
}
