package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// matVec sets out = W x + b for W with len(out) rows.
func matVec(out, w, b, x []float64) {
	cols := len(x)
	for i := range out {
		out[i] = b[i] + floats.Dot(w[i*cols:(i+1)*cols], x)
	}
}

// outerAdd accumulates dst += a ⊗ b for dst with len(a) rows.
func outerAdd(dst, a, b []float64) {
	cols := len(b)
	for i, ai := range a {
		if ai == 0 {
			continue
		}
		floats.AddScaled(dst[i*cols:(i+1)*cols], ai, b)
	}
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Sigmoid squashes a logit into a probability.
func Sigmoid(x float64) float64 {
	return sigmoid(x)
}

// Softmax writes the normalized exponentials of logits into out.
func Softmax(logits, out []float64) {
	lse := floats.LogSumExp(logits)
	for i, l := range logits {
		out[i] = math.Exp(l - lse)
	}
}

func uniform(p []float64, k float64, rng *rand.Rand) {
	for i := range p {
		p[i] = (rng.Float64()*2 - 1) * k
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
