package tensor

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"
)

// Uniform fills t with samples from U(-bound, bound) drawn from rng.
func Uniform(t *Tensor, bound float64, rng *rand.Rand) {
	dist := distuv.Uniform{Min: -bound, Max: bound}
	for i := range t.Data {
		t.Data[i] = dist.Quantile(rng.Float64())
	}
}

// FanInBound is the default init bound 1/sqrt(fanIn) used for conv and
// linear layers.
func FanInBound(fanIn int) float64 {
	if fanIn <= 0 {
		return 0
	}
	return 1 / math.Sqrt(float64(fanIn))
}

// Fill sets every element of t to v.
func Fill(t *Tensor, v float64) {
	for i := range t.Data {
		t.Data[i] = v
	}
}
