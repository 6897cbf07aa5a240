package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Loss scores one sample's logits against an integer target.
//
// Eval writes the weighted gradient into dlogits and returns the weighted
// loss and the sample's weight. A batch loss is sum(loss)/sum(weight), which
// reproduces mean reduction for both losses below.
type Loss interface {
	Eval(logits []float64, target int, dlogits []float64) (loss, weight float64)
}

// WeightedBCE is binary cross-entropy on a single logit with the positive
// term scaled by PosWeight.
type WeightedBCE struct {
	PosWeight float64
}

// Eval implements Loss.
func (l WeightedBCE) Eval(logits []float64, target int, dlogits []float64) (float64, float64) {
	x := logits[0]
	p := sigmoid(x)
	if target == 1 {
		// -pw * log(sigmoid(x)) = pw * softplus(-x)
		dlogits[0] = l.PosWeight * (p - 1)
		return l.PosWeight * softplus(-x), 1
	}
	// -log(1 - sigmoid(x)) = softplus(x)
	dlogits[0] = p
	return softplus(x), 1
}

// WeightedCE is categorical cross-entropy with per-class weights.
type WeightedCE struct {
	Weights []float64
}

// Eval implements Loss.
func (l WeightedCE) Eval(logits []float64, target int, dlogits []float64) (float64, float64) {
	w := l.Weights[target]
	lse := floats.LogSumExp(logits)
	loss := lse - logits[target]
	for i, x := range logits {
		dlogits[i] = w * math.Exp(x-lse)
	}
	dlogits[target] -= w
	return w * loss, w
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	if x < -30 {
		return math.Exp(x)
	}
	return math.Log1p(math.Exp(x))
}
