package nn

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Predict returns the logits of every input. Batches are evaluated in
// parallel on up to workers goroutines (0 means GOMAXPROCS); the model is
// only read.
func Predict(ctx context.Context, m *SeqModel, inputs [][]float64, batchSize, workers int) ([][]float64, error) {
	out := make([][]float64, len(inputs))
	if len(inputs) == 0 {
		return out, nil
	}
	if batchSize <= 0 {
		batchSize = 256
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for lo := 0; lo < len(inputs); lo += batchSize {
		lo := lo
		hi := min(lo+batchSize, len(inputs))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s := m.GRU.scratch()
			for i := lo; i < hi; i++ {
				h := m.GRU.forward(inputs[i], s, nil)
				logits := make([]float64, m.Head.Out)
				m.Head.forward(h, logits)
				out[i] = logits
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
