package nn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/hed1ad/plantguard/pkg/errs"
)

// ErrStop may be returned by an EpochHook to end training cleanly.
var ErrStop = errors.New("stop training")

// Sample is one training sequence (steps*In values, row-major) with its
// integer target.
type Sample struct {
	X      []float64
	Target int
}

// EpochMetrics summarizes one pass over the training samples.
type EpochMetrics struct {
	Stage               string        `json:"stage"`
	Epoch               int           `json:"epoch"`
	Loss                float64       `json:"loss"`
	GradNorm            float64       `json:"grad_norm"`
	Clipped             int           `json:"clipped"`
	Batches             int           `json:"batches"`
	ValBalancedAccuracy float64       `json:"val_balanced_accuracy"`
	ValSamples          int           `json:"val_samples"`
	Duration            time.Duration `json:"duration"`
}

// Validator scores the model after an epoch's updates. It runs on the
// training goroutine, so it may read parameters freely.
type Validator func(ctx context.Context) (balancedAccuracy float64, samples int, err error)

// EpochHook observes each completed epoch.
type EpochHook func(EpochMetrics) error

// TrainConfig controls Fit.
type TrainConfig struct {
	Stage        string
	Epochs       int
	BatchSize    int
	LearningRate float64
	ClipNorm     float64
	Seed         int64
	Prefetch     int
	Validate     Validator
	Hook         EpochHook
	Logger       *zap.Logger
}

func (c *TrainConfig) check() error {
	if c.Epochs <= 0 {
		return fmt.Errorf("%w: %s: epochs must be positive, got %d", errs.ErrConfig, c.Stage, c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: %s: batch size must be positive, got %d", errs.ErrConfig, c.Stage, c.BatchSize)
	}
	if !(c.LearningRate > 0) {
		return fmt.Errorf("%w: %s: learning rate must be positive, got %v", errs.ErrConfig, c.Stage, c.LearningRate)
	}
	if c.ClipNorm < 0 {
		return fmt.Errorf("%w: %s: clip norm must not be negative, got %v", errs.ErrConfig, c.Stage, c.ClipNorm)
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 2
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Fit trains m on samples with minibatch Adam.
//
// Each epoch draws a fresh permutation from the seeded generator. A single
// producer goroutine gathers the minibatches ahead of the compute step over
// a bounded channel; only the calling goroutine touches parameters. A
// cancelled ctx takes effect at the next epoch boundary. A non-finite batch
// loss or gradient norm stops training with an *errs.DivergenceError and no
// update is applied for that batch.
func Fit(ctx context.Context, m *SeqModel, samples []Sample, loss Loss, cfg TrainConfig) ([]EpochMetrics, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	for i, s := range samples {
		if len(s.X) == 0 || len(s.X)%m.Inputs() != 0 {
			return nil, fmt.Errorf("%w: %s: sample %d has %d values, not a multiple of %d",
				errs.ErrDataIntegrity, cfg.Stage, i, len(s.X), m.Inputs())
		}
	}

	t := &trainer{
		model:  m,
		loss:   loss,
		cfg:    cfg,
		opt:    NewAdam(cfg.LearningRate),
		tape:   m.newTape(),
		params: m.params(),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}

	var history []EpochMetrics
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return history, fmt.Errorf("%s: stopped before epoch %d: %w", cfg.Stage, epoch, err)
		}

		em, err := t.epoch(epoch, samples)
		if err != nil {
			return history, err
		}

		if cfg.Validate != nil {
			ba, n, err := cfg.Validate(ctx)
			if err != nil {
				return history, fmt.Errorf("%s: validate epoch %d: %w", cfg.Stage, epoch, err)
			}
			em.ValBalancedAccuracy, em.ValSamples = ba, n
		}
		history = append(history, em)

		cfg.Logger.Info("epoch complete",
			zap.String("stage", cfg.Stage),
			zap.Int("epoch", epoch),
			zap.Int("epochs", cfg.Epochs),
			zap.Float64("loss", em.Loss),
			zap.Float64("grad_norm", em.GradNorm),
			zap.Int("grad_clipped", em.Clipped),
			zap.Float64("val_balanced_accuracy", em.ValBalancedAccuracy),
			zap.Duration("took", em.Duration),
		)

		if cfg.Hook != nil {
			if err := cfg.Hook(em); err != nil {
				if errors.Is(err, ErrStop) {
					cfg.Logger.Info("training stopped by hook", zap.String("stage", cfg.Stage), zap.Int("epoch", epoch))
					return history, nil
				}
				return history, err
			}
		}
	}
	return history, nil
}

type trainer struct {
	model  *SeqModel
	loss   Loss
	cfg    TrainConfig
	opt    *Adam
	tape   *tape
	params []Param
	rng    *rand.Rand
}

func (t *trainer) epoch(epoch int, samples []Sample) (EpochMetrics, error) {
	start := time.Now()
	em := EpochMetrics{Stage: t.cfg.Stage, Epoch: epoch}

	// The permutation is drawn here so the generator is only ever used by
	// the training goroutine.
	perm := t.rng.Perm(len(samples))

	prodCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(prodCtx)
	batches := make(chan []Sample, t.cfg.Prefetch)
	g.Go(func() error {
		defer close(batches)
		for lo := 0; lo < len(perm); lo += t.cfg.BatchSize {
			hi := min(lo+t.cfg.BatchSize, len(perm))
			batch := make([]Sample, hi-lo)
			for i, idx := range perm[lo:hi] {
				batch[i] = samples[idx]
			}
			select {
			case batches <- batch:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	var (
		lossSum, normSum float64
		stepErr          error
	)
	for batch := range batches {
		l, norm, ok, err := t.step(batch)
		if err != nil {
			var de *errs.DivergenceError
			if errors.As(err, &de) {
				de.Epoch, de.Batch = epoch, em.Batches+1
			}
			stepErr = err
			cancel()
			break
		}
		if !ok {
			continue
		}
		em.Batches++
		lossSum += l
		normSum += norm
		if t.cfg.ClipNorm > 0 && norm > t.cfg.ClipNorm {
			em.Clipped++
		}
	}
	if stepErr != nil {
		// Drain so the producer can observe cancellation and exit.
		for range batches {
		}
	}
	if err := g.Wait(); err != nil && stepErr == nil {
		stepErr = err
	}
	if stepErr != nil {
		return em, stepErr
	}

	if em.Batches > 0 {
		em.Loss = lossSum / float64(em.Batches)
		em.GradNorm = normSum / float64(em.Batches)
	}
	em.Duration = time.Since(start)
	return em, nil
}

// step runs forward/backward over one minibatch and applies a clipped Adam
// update. ok is false for a batch with zero total weight.
func (t *trainer) step(batch []Sample) (loss, norm float64, ok bool, err error) {
	m, tp := t.model, t.tape
	m.zeroGrad()

	var lossSum, weightSum float64
	for _, s := range batch {
		logits := m.forwardTrain(s.X, tp)
		l, w := t.loss.Eval(logits, s.Target, tp.dlogits)
		lossSum += l
		weightSum += w
		m.backwardTrain(s.X, tp)
	}
	if weightSum <= 0 {
		return 0, 0, false, nil
	}

	loss = lossSum / weightSum
	if !finite(loss) {
		return 0, 0, false, &errs.DivergenceError{Stage: t.cfg.Stage, Loss: loss}
	}
	for _, p := range t.params {
		floats.Scale(1/weightSum, p.G)
	}

	norm = ClipGradNorm(t.params, t.cfg.ClipNorm)
	if !finite(norm) {
		return 0, 0, false, &errs.DivergenceError{Stage: t.cfg.Stage, Loss: norm}
	}
	t.opt.Step(t.params)
	return loss, norm, true, nil
}
