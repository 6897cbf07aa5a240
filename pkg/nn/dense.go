package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Dense is a fully connected layer with W laid out Out x In.
type Dense struct {
	In  int
	Out int
	W   []float64
	B   []float64
}

func newDense(in, out int, rng *rand.Rand) Dense {
	k := 1 / math.Sqrt(float64(in))
	d := Dense{
		In:  in,
		Out: out,
		W:   make([]float64, out*in),
		B:   make([]float64, out),
	}
	uniform(d.W, k, rng)
	uniform(d.B, k, rng)
	return d
}

func (d *Dense) forward(x, out []float64) {
	matVec(out, d.W, d.B, x)
}

// backward accumulates gradients for dy and returns dL/dx.
func (d *Dense) backward(x, dy []float64, grad *Dense) []float64 {
	outerAdd(grad.W, dy, x)
	floats.Add(grad.B, dy)

	dx := make([]float64, d.In)
	for k := 0; k < d.Out; k++ {
		floats.AddScaled(dx, dy[k], d.W[k*d.In:(k+1)*d.In])
	}
	return dx
}

func (d *Dense) zeroLike() Dense {
	return Dense{
		In:  d.In,
		Out: d.Out,
		W:   make([]float64, len(d.W)),
		B:   make([]float64, len(d.B)),
	}
}
