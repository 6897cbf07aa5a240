// Package stage1 implements the binary window detector: a GRU over the
// window followed by a single logit, trained with class-balanced BCE.
package stage1

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hed1ad/plantguard/pkg/detectors"
	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/eval"
	"github.com/hed1ad/plantguard/pkg/nn"
	"github.com/hed1ad/plantguard/pkg/window"
)

// Stage is the name used in logs, metrics and divergence errors.
const Stage = "detector"

// Detector scores windows with the probability that they contain an anomaly.
type Detector struct {
	mu sync.RWMutex

	// Configuration
	cfg    detectors.Config
	logger *zap.Logger
	hook   nn.EpochHook

	// Trained model
	model     *nn.SeqModel
	posWeight float64
	history   []nn.EpochMetrics
	trained   bool
}

// Option configures a Detector.
type Option func(*Detector)

// WithConfig replaces the whole training configuration.
func WithConfig(cfg detectors.Config) Option {
	return func(d *Detector) {
		d.cfg = cfg
	}
}

// WithHidden sets the recurrent state size.
func WithHidden(n int) Option {
	return func(d *Detector) {
		d.cfg.Hidden = n
	}
}

// WithEpochs sets the number of training epochs.
func WithEpochs(n int) Option {
	return func(d *Detector) {
		d.cfg.Epochs = n
	}
}

// WithBatchSize sets the minibatch size.
func WithBatchSize(n int) Option {
	return func(d *Detector) {
		d.cfg.BatchSize = n
	}
}

// WithLearningRate sets the Adam step size.
func WithLearningRate(lr float64) Option {
	return func(d *Detector) {
		d.cfg.LearningRate = lr
	}
}

// WithThreshold sets the decision threshold used for validation.
func WithThreshold(t float64) Option {
	return func(d *Detector) {
		d.cfg.Threshold = t
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(d *Detector) {
		d.cfg.RandomSeed = seed
	}
}

// WithLogger sets the logger for training progress.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		d.logger = l
	}
}

// WithEpochHook registers a callback run after every epoch.
func WithEpochHook(h nn.EpochHook) Option {
	return func(d *Detector) {
		d.hook = h
	}
}

// New creates a Detector with the given options.
func New(opts ...Option) *Detector {
	d := &Detector{
		cfg:    detectors.DefaultConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fit trains the detector on train and reports balanced accuracy on val
// after every epoch. The positive class is weighted by neg/pos of the
// training windows; a training set without both classes is rejected.
func (d *Detector) Fit(ctx context.Context, train, val []window.Window) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(train) == 0 {
		return fmt.Errorf("%w: %s: no training windows", errs.ErrDataIntegrity, Stage)
	}
	length, dim, err := detectors.Shape(train)
	if err != nil {
		return err
	}
	if err := checkShape(val, length, dim); err != nil {
		return err
	}
	neg, pos := detectors.BinaryCounts(train)
	if pos == 0 || neg == 0 {
		return fmt.Errorf("%w: %s: training windows have %d negatives and %d positives",
			errs.ErrDegenerateClass, Stage, neg, pos)
	}

	model, err := nn.NewSeqModel(dim, d.cfg.Hidden, 1, d.cfg.RandomSeed)
	if err != nil {
		return err
	}
	d.model = model
	d.posWeight = float64(neg) / float64(pos)
	d.trained = false

	samples := make([]nn.Sample, len(train))
	for i, w := range train {
		samples[i] = nn.Sample{X: w.Values, Target: int(w.Binary)}
	}

	d.logger.Info("training detector",
		zap.Int("windows", len(train)),
		zap.Int("positives", pos),
		zap.Float64("pos_weight", d.posWeight),
		zap.Int("val_windows", len(val)),
	)

	var validate nn.Validator
	if len(val) > 0 {
		truth := window.Set(val).Binary()
		validate = func(ctx context.Context) (float64, int, error) {
			probs, err := d.score(ctx, val)
			if err != nil {
				return 0, 0, err
			}
			return eval.BalancedAccuracy(truth, d.flags(probs)), len(val), nil
		}
	}

	history, err := nn.Fit(ctx, model, samples, nn.WeightedBCE{PosWeight: d.posWeight}, nn.TrainConfig{
		Stage:        Stage,
		Epochs:       d.cfg.Epochs,
		BatchSize:    d.cfg.BatchSize,
		LearningRate: d.cfg.LearningRate,
		ClipNorm:     d.cfg.ClipNorm,
		Seed:         d.cfg.RandomSeed,
		Validate:     validate,
		Hook:         d.hook,
		Logger:       d.logger,
	})
	d.history = history
	if err != nil {
		return err
	}
	d.trained = true
	return nil
}

// Score returns the anomaly probability of each window.
func (d *Detector) Score(ctx context.Context, windows []window.Window) ([]float64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.trained {
		return nil, fmt.Errorf("%w: %s", errs.ErrNotTrained, Stage)
	}
	return d.score(ctx, windows)
}

func (d *Detector) score(ctx context.Context, windows []window.Window) ([]float64, error) {
	if err := checkShape(windows, 0, d.model.Inputs()); err != nil {
		return nil, err
	}
	logits, err := nn.Predict(ctx, d.model, detectors.Inputs(windows), d.cfg.BatchSize, d.cfg.Workers)
	if err != nil {
		return nil, err
	}
	probs := make([]float64, len(logits))
	for i, l := range logits {
		probs[i] = nn.Sigmoid(l[0])
	}
	return probs, nil
}

func (d *Detector) flags(probs []float64) []int {
	out := make([]int, len(probs))
	for i, p := range probs {
		if p >= d.cfg.Threshold {
			out[i] = 1
		}
	}
	return out
}

// checkShape verifies windows against the model input size; a zero length
// accepts any window length.
func checkShape(windows []window.Window, length, dim int) error {
	l, d, err := detectors.Shape(windows)
	if err != nil || len(windows) == 0 {
		return err
	}
	if d != dim || (length > 0 && l != length) {
		return fmt.Errorf("%w: %s: windows are %dx%d, model expects %d features",
			errs.ErrDataIntegrity, Stage, l, d, dim)
	}
	return nil
}

// Threshold returns the current decision threshold.
func (d *Detector) Threshold() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Threshold
}

// SetThreshold updates the decision threshold.
func (d *Detector) SetThreshold(t float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.Threshold = t
}

// PosWeight returns the positive class weight used in training.
func (d *Detector) PosWeight() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.posWeight
}

// Metrics returns the per-epoch training history.
func (d *Detector) Metrics() []nn.EpochMetrics {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]nn.EpochMetrics(nil), d.history...)
}

// Save serializes the trained detector.
func (d *Detector) Save() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.trained {
		return nil, fmt.Errorf("%w: %s", errs.ErrNotTrained, Stage)
	}
	weights, err := d.model.MarshalBinary()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(d.cfg); err != nil {
		return nil, err
	}
	if err := enc.Encode(d.posWeight); err != nil {
		return nil, err
	}
	if err := enc.Encode(d.history); err != nil {
		return nil, err
	}
	if err := enc.Encode(weights); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes a detector produced by Save.
func (d *Detector) Load(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dec := gob.NewDecoder(bytes.NewReader(data))

	var (
		cfg       detectors.Config
		posWeight float64
		history   []nn.EpochMetrics
		weights   []byte
	)
	if err := dec.Decode(&cfg); err != nil {
		return fmt.Errorf("%w: %s config: %v", errs.ErrDataIntegrity, Stage, err)
	}
	if err := dec.Decode(&posWeight); err != nil {
		return fmt.Errorf("%w: %s pos weight: %v", errs.ErrDataIntegrity, Stage, err)
	}
	if err := dec.Decode(&history); err != nil {
		return fmt.Errorf("%w: %s history: %v", errs.ErrDataIntegrity, Stage, err)
	}
	if err := dec.Decode(&weights); err != nil {
		return fmt.Errorf("%w: %s weights: %v", errs.ErrDataIntegrity, Stage, err)
	}

	model := &nn.SeqModel{}
	if err := model.UnmarshalBinary(weights); err != nil {
		return err
	}
	if model.Outputs() != 1 {
		return fmt.Errorf("%w: %s model has %d outputs, want 1", errs.ErrDataIntegrity, Stage, model.Outputs())
	}

	d.cfg, d.posWeight, d.history, d.model = cfg, posWeight, history, model
	d.trained = true
	return nil
}
