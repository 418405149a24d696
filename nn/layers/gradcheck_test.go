package layers

import (
	"math"
	"math/rand"
	"testing"

	"resnet20/tensor"

	"github.com/stretchr/testify/require"
)

func randTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	x := tensor.New(shape...)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	return x
}

// weightedSum is the scalar loss Σ out·r used by the gradient checks.
func weightedSum(t *testing.T, l Layer, x, r *tensor.Tensor) float64 {
	t.Helper()
	out, err := l.Forward(x)
	require.NoError(t, err)
	require.Equal(t, len(r.Data), len(out.Data))
	sum := 0.0
	for i := range out.Data {
		sum += out.Data[i] * r.Data[i]
	}
	return sum
}

func relErr(a, b float64) float64 {
	return math.Abs(a-b) / math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// checkGradients compares Backward against central finite differences for
// the input and every parameter of l.
func checkGradients(t *testing.T, l Layer, x *tensor.Tensor, rng *rand.Rand) {
	t.Helper()
	const eps = 1e-5
	const tol = 1e-5

	out, err := l.Forward(x)
	require.NoError(t, err)
	r := randTensor(rng, out.Shape...)
	for _, p := range l.Params() {
		p.ZeroGrad()
	}
	gradIn, err := l.Backward(r)
	require.NoError(t, err)
	require.Equal(t, x.Shape, gradIn.Shape)

	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		plus := weightedSum(t, l, x, r)
		x.Data[i] = orig - eps
		minus := weightedSum(t, l, x, r)
		x.Data[i] = orig
		num := (plus - minus) / (2 * eps)
		if e := relErr(num, gradIn.Data[i]); e > tol {
			t.Fatalf("%s: input grad %d: analytic %g numeric %g", l.Tag(), i, gradIn.Data[i], num)
		}
	}

	for _, p := range l.Params() {
		for i := range p.Value.Data {
			orig := p.Value.Data[i]
			p.Value.Data[i] = orig + eps
			plus := weightedSum(t, l, x, r)
			p.Value.Data[i] = orig - eps
			minus := weightedSum(t, l, x, r)
			p.Value.Data[i] = orig
			num := (plus - minus) / (2 * eps)
			if e := relErr(num, p.Grad.Data[i]); e > tol {
				t.Fatalf("%s: %s grad %d: analytic %g numeric %g", l.Tag(), p.Name, i, p.Grad.Data[i], num)
			}
		}
	}
}
