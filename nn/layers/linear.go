package layers

import (
	"fmt"
	"math/rand"

	"resnet20/core/ckkswrapper"
	"resnet20/tensor"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"gonum.org/v1/gonum/mat"
)

// Linear is a fully-connected layer y = xWᵀ + b over [batch, in] inputs.
// After EnableEncrypted it can also be evaluated on a CKKS ciphertext
// holding a single input vector (see ForwardHE).
type Linear struct {
	inDim, outDim int

	W *Param // [outDim, inDim]
	B *Param // [outDim]

	lastInput *tensor.Tensor

	// HE state
	serverKit *ckkswrapper.ServerKit
	refresh   func(*rlwe.Ciphertext) (*rlwe.Ciphertext, error)
	rowPTs    []*rlwe.Plaintext
	maskPT    *rlwe.Plaintext
	encrypted bool
}

// NewLinear creates the layer with weight and bias drawn from
// U(-1/sqrt(inDim), 1/sqrt(inDim)). A nil rng leaves them zeroed.
func NewLinear(inDim, outDim int, rng *rand.Rand) *Linear {
	l := &Linear{
		inDim:  inDim,
		outDim: outDim,
		W:      newParam("weight", outDim, inDim),
		B:      newParam("bias", outDim),
	}
	if rng != nil {
		bound := tensor.FanInBound(inDim)
		tensor.Uniform(l.W.Value, bound, rng)
		tensor.Uniform(l.B.Value, bound, rng)
	}
	return l
}

// InDim returns the input width.
func (l *Linear) InDim() int { return l.inDim }

// OutDim returns the output width.
func (l *Linear) OutDim() int { return l.outDim }

// Forward computes xWᵀ + b for x of shape [batch, inDim].
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != l.inDim {
		return nil, &tensor.ShapeError{Op: l.Tag(), Want: []int{-1, l.inDim}, Got: x.Shape}
	}
	batch := x.Shape[0]
	out := tensor.New(batch, l.outDim)
	l.lastInput = x
	if batch == 0 {
		return out, nil
	}

	y := mat.NewDense(batch, l.outDim, out.Data)
	y.Mul(mat.NewDense(batch, l.inDim, x.Data), mat.NewDense(l.outDim, l.inDim, l.W.Value.Data).T())
	for b := 0; b < batch; b++ {
		row := out.Data[b*l.outDim : (b+1)*l.outDim]
		for j := range row {
			row[j] += l.B.Value.Data[j]
		}
	}
	return out, nil
}

// Backward accumulates dW = gᵀx, db = Σ_batch g and returns dx = gW.
func (l *Linear) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	x := l.lastInput
	if x == nil {
		return nil, fmt.Errorf("%s: no cached input for backward pass", l.Tag())
	}
	batch := x.Shape[0]
	if len(gradOut.Shape) != 2 || gradOut.Shape[0] != batch || gradOut.Shape[1] != l.outDim {
		return nil, &tensor.ShapeError{Op: l.Tag() + ".Backward", Want: []int{batch, l.outDim}, Got: gradOut.Shape}
	}
	gradIn := tensor.New(batch, l.inDim)
	if batch == 0 {
		return gradIn, nil
	}

	g := mat.NewDense(batch, l.outDim, gradOut.Data)
	xm := mat.NewDense(batch, l.inDim, x.Data)

	var dW mat.Dense
	dW.Mul(g.T(), xm)
	acc := mat.NewDense(l.outDim, l.inDim, l.W.Grad.Data)
	acc.Add(acc, &dW)

	for b := 0; b < batch; b++ {
		for j := 0; j < l.outDim; j++ {
			l.B.Grad.Data[j] += gradOut.Data[b*l.outDim+j]
		}
	}

	dx := mat.NewDense(batch, l.inDim, gradIn.Data)
	dx.Mul(g, mat.NewDense(l.outDim, l.inDim, l.W.Value.Data))
	return gradIn, nil
}

func (l *Linear) Params() []*Param   { return []*Param{l.W, l.B} }
func (l *Linear) Buffers() []*Buffer { return nil }
func (l *Linear) SetTraining(bool)   {}

// Encrypted reports whether EnableEncrypted has been called.
func (l *Linear) Encrypted() bool { return l.encrypted }

func (l *Linear) Tag() string {
	return fmt.Sprintf("Linear_%d_%d", l.inDim, l.outDim)
}
