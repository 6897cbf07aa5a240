// Package stage2 implements the conditional anomaly-type classifier. It is
// trained only on windows whose true binary label is 1 and predicts one of
// the non-Normal codes.
package stage2

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/hed1ad/plantguard/pkg/detectors"
	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/eval"
	"github.com/hed1ad/plantguard/pkg/nn"
	"github.com/hed1ad/plantguard/pkg/schema"
	"github.com/hed1ad/plantguard/pkg/window"
)

// Stage is the name used in logs, metrics and divergence errors.
const Stage = "classifier"

// Classes is the number of outputs, one per anomaly code.
const Classes = schema.NumCodes - 1

// Classifier assigns an anomaly type to flagged windows.
type Classifier struct {
	mu sync.RWMutex

	// Configuration
	cfg    detectors.Config
	strict bool
	inputs int
	logger *zap.Logger
	hook   nn.EpochHook

	// Trained model
	model   *nn.SeqModel
	weights []float64
	history []nn.EpochMetrics
	trained bool
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithConfig replaces the whole training configuration.
func WithConfig(cfg detectors.Config) Option {
	return func(c *Classifier) {
		c.cfg = cfg
	}
}

// WithHidden sets the recurrent state size.
func WithHidden(n int) Option {
	return func(c *Classifier) {
		c.cfg.Hidden = n
	}
}

// WithEpochs sets the number of training epochs.
func WithEpochs(n int) Option {
	return func(c *Classifier) {
		c.cfg.Epochs = n
	}
}

// WithBatchSize sets the minibatch size.
func WithBatchSize(n int) Option {
	return func(c *Classifier) {
		c.cfg.BatchSize = n
	}
}

// WithLearningRate sets the Adam step size.
func WithLearningRate(lr float64) Option {
	return func(c *Classifier) {
		c.cfg.LearningRate = lr
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(c *Classifier) {
		c.cfg.RandomSeed = seed
	}
}

// WithStrictClassCounts makes Fit fail when an anomaly type has no
// training windows instead of flooring its count at 1.
func WithStrictClassCounts(strict bool) Option {
	return func(c *Classifier) {
		c.strict = strict
	}
}

// WithInputs fixes the number of features per timestep. It is only needed
// when Fit may see no windows at all; otherwise the width is taken from the
// training windows.
func WithInputs(n int) Option {
	return func(c *Classifier) {
		c.inputs = n
	}
}

// WithLogger sets the logger for training progress.
func WithLogger(l *zap.Logger) Option {
	return func(c *Classifier) {
		c.logger = l
	}
}

// WithEpochHook registers a callback run after every epoch.
func WithEpochHook(h nn.EpochHook) Option {
	return func(c *Classifier) {
		c.hook = h
	}
}

// DefaultConfig returns the classifier-stage defaults.
func DefaultConfig() detectors.Config {
	cfg := detectors.DefaultConfig()
	cfg.Hidden = 96
	return cfg
}

// New creates a Classifier with the given options.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClassWeights returns max(count)/max(1, count[c]) per anomaly code. With
// strict set a zero count is an error.
func ClassWeights(counts []int, strict bool) ([]float64, error) {
	top := slices.Max(counts)
	out := make([]float64, len(counts))
	for i, n := range counts {
		if n == 0 && strict {
			return nil, fmt.Errorf("%w: %s: no training windows of type %s",
				errs.ErrDegenerateClass, Stage, schema.AnomalyCodes()[i])
		}
		out[i] = float64(top) / float64(max(1, n))
	}
	return out, nil
}

// Fit trains on the windows of train whose true binary label is 1, with
// their majority code as target, and reports balanced accuracy on the
// anomalous windows of val after every epoch. Anomalous windows whose
// majority is still Normal carry no anomaly type and are left out.
//
// When train holds no such windows, including when it is empty, the
// classifier keeps its initial weights, records no epochs and logs a
// warning. With no windows and no WithInputs width the model is built from
// the seed on first use.
func (c *Classifier) Fit(ctx context.Context, train, val []window.Window) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, dim, err := detectors.Shape(train)
	if err != nil {
		return err
	}
	if len(train) == 0 {
		dim = c.inputs
	} else if c.inputs > 0 && dim != c.inputs {
		return fmt.Errorf("%w: %s: windows have %d features, want %d",
			errs.ErrDataIntegrity, Stage, dim, c.inputs)
	}
	anomalous, skipped := Supervised(train)
	valAnomalous, _ := Supervised(val)
	if dim > 0 {
		if err := checkShape(valAnomalous, dim); err != nil {
			return err
		}
	}

	c.model = nil
	if dim > 0 {
		model, err := nn.NewSeqModel(dim, c.cfg.Hidden, Classes, c.cfg.RandomSeed)
		if err != nil {
			return err
		}
		c.model = model
	}
	c.history = nil
	c.trained = false

	counts := make([]int, Classes)
	for _, w := range anomalous {
		counts[w.Class-1]++
	}
	if skipped > 0 {
		c.logger.Info("anomalous windows with Normal majority left out",
			zap.Int("windows", skipped))
	}

	if len(anomalous) == 0 {
		c.weights = []float64{1, 1, 1}
		c.trained = true
		c.logger.Warn("no anomalous training windows, classifier left at initial weights",
			zap.Int("windows", len(train)))
		return nil
	}

	weights, err := ClassWeights(counts, c.strict)
	if err != nil {
		return err
	}
	c.weights = weights

	samples := make([]nn.Sample, len(anomalous))
	for i, w := range anomalous {
		samples[i] = nn.Sample{X: w.Values, Target: int(w.Class) - 1}
	}

	c.logger.Info("training classifier",
		zap.Int("windows", len(anomalous)),
		zap.Ints("class_counts", counts),
		zap.Float64s("class_weights", weights),
		zap.Int("val_windows", len(valAnomalous)),
	)

	var validate nn.Validator
	if len(valAnomalous) > 0 {
		truth := valAnomalous.Classes()
		validate = func(ctx context.Context) (float64, int, error) {
			labels, err := c.classify(ctx, valAnomalous)
			if err != nil {
				return 0, 0, err
			}
			pred := make([]int, len(labels))
			for i, l := range labels {
				pred[i] = int(l.Code)
			}
			return eval.BalancedAccuracy(truth, pred), len(valAnomalous), nil
		}
	}

	history, err := nn.Fit(ctx, c.model, samples, nn.WeightedCE{Weights: weights}, nn.TrainConfig{
		Stage:        Stage,
		Epochs:       c.cfg.Epochs,
		BatchSize:    c.cfg.BatchSize,
		LearningRate: c.cfg.LearningRate,
		ClipNorm:     c.cfg.ClipNorm,
		Seed:         c.cfg.RandomSeed,
		Validate:     validate,
		Hook:         c.hook,
		Logger:       c.logger,
	})
	c.history = history
	if err != nil {
		return err
	}
	c.trained = true
	return nil
}

// Classify returns the most probable anomaly type of each window. Ties go
// to the lowest code.
func (c *Classifier) Classify(ctx context.Context, windows []window.Window) ([]detectors.Label, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.trained {
		return nil, fmt.Errorf("%w: %s", errs.ErrNotTrained, Stage)
	}
	return c.classify(ctx, windows)
}

func (c *Classifier) classify(ctx context.Context, windows []window.Window) ([]detectors.Label, error) {
	if len(windows) == 0 {
		return nil, nil
	}
	model := c.model
	if model == nil {
		_, dim, err := detectors.Shape(windows)
		if err != nil {
			return nil, err
		}
		if model, err = nn.NewSeqModel(dim, c.cfg.Hidden, Classes, c.cfg.RandomSeed); err != nil {
			return nil, err
		}
	}
	if err := checkShape(windows, model.Inputs()); err != nil {
		return nil, err
	}
	logits, err := nn.Predict(ctx, model, detectors.Inputs(windows), c.cfg.BatchSize, c.cfg.Workers)
	if err != nil {
		return nil, err
	}
	codes := schema.AnomalyCodes()
	out := make([]detectors.Label, len(logits))
	for i, l := range logits {
		probs := make([]float64, len(l))
		nn.Softmax(l, probs)
		best := 0
		for k := 1; k < len(probs); k++ {
			if probs[k] > probs[best] {
				best = k
			}
		}
		out[i] = detectors.Label{Code: codes[best], Probability: probs[best], Probabilities: probs}
	}
	return out, nil
}

// Supervised returns the windows of ws that carry an anomaly type: binary
// label 1 and a non-Normal majority code. skipped counts anomalous windows
// whose majority is Normal.
func Supervised(ws []window.Window) (out window.Set, skipped int) {
	for _, w := range window.Set(ws).Anomalous() {
		if w.Class == schema.Normal {
			skipped++
			continue
		}
		out = append(out, w)
	}
	return out, skipped
}

func checkShape(windows []window.Window, dim int) error {
	_, d, err := detectors.Shape(windows)
	if err != nil || len(windows) == 0 {
		return err
	}
	if d != dim {
		return fmt.Errorf("%w: %s: windows have %d features, model expects %d",
			errs.ErrDataIntegrity, Stage, d, dim)
	}
	return nil
}

// Weights returns the class weights used in training.
func (c *Classifier) Weights() []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]float64(nil), c.weights...)
}

// Metrics returns the per-epoch training history; empty when no anomalous
// windows were available.
func (c *Classifier) Metrics() []nn.EpochMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]nn.EpochMetrics(nil), c.history...)
}

// Save serializes the trained classifier.
func (c *Classifier) Save() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.trained {
		return nil, fmt.Errorf("%w: %s", errs.ErrNotTrained, Stage)
	}
	var model []byte
	if c.model != nil {
		raw, err := c.model.MarshalBinary()
		if err != nil {
			return nil, err
		}
		model = raw
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(c.cfg); err != nil {
		return nil, err
	}
	if err := enc.Encode(c.weights); err != nil {
		return nil, err
	}
	if err := enc.Encode(c.history); err != nil {
		return nil, err
	}
	if err := enc.Encode(model); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes a classifier produced by Save.
func (c *Classifier) Load(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dec := gob.NewDecoder(bytes.NewReader(data))

	var (
		cfg     detectors.Config
		weights []float64
		history []nn.EpochMetrics
		raw     []byte
	)
	if err := dec.Decode(&cfg); err != nil {
		return fmt.Errorf("%w: %s config: %v", errs.ErrDataIntegrity, Stage, err)
	}
	if err := dec.Decode(&weights); err != nil {
		return fmt.Errorf("%w: %s weights: %v", errs.ErrDataIntegrity, Stage, err)
	}
	if err := dec.Decode(&history); err != nil {
		return fmt.Errorf("%w: %s history: %v", errs.ErrDataIntegrity, Stage, err)
	}
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %s model: %v", errs.ErrDataIntegrity, Stage, err)
	}

	// An empty model means Fit saw no windows; it is rebuilt from cfg on use.
	var model *nn.SeqModel
	if len(raw) > 0 {
		model = &nn.SeqModel{}
		if err := model.UnmarshalBinary(raw); err != nil {
			return err
		}
		if model.Outputs() != Classes {
			return fmt.Errorf("%w: %s model has %d outputs, want %d", errs.ErrDataIntegrity, Stage, model.Outputs(), Classes)
		}
	}

	c.cfg, c.weights, c.history, c.model = cfg, weights, history, model
	c.trained = true
	return nil
}
