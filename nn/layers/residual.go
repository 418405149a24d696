package layers

import (
	"fmt"
	"math/rand"

	"resnet20/tensor"
)

// Layer is the contract shared by every layer in this package.
type Layer interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Params() []*Param
	Buffers() []*Buffer
	SetTraining(training bool)
	Tag() string
}

// Identity is the skip path used when a block keeps its shape. It returns
// its input unchanged.
type Identity struct{}

func (Identity) Forward(x *tensor.Tensor) (*tensor.Tensor, error)  { return x, nil }
func (Identity) Backward(g *tensor.Tensor) (*tensor.Tensor, error) { return g, nil }
func (Identity) Params() []*Param                                   { return nil }
func (Identity) Buffers() []*Buffer                                 { return nil }
func (Identity) SetTraining(bool)                                   {}
func (Identity) Tag() string                                        { return "Identity" }

// Projection is the skip path used when a block changes channel count or
// resolution: a 1×1 convolution (no bias) followed by batch norm.
type Projection struct {
	Conv *Conv2D
	BN   *BatchNorm2D
}

func NewProjection(inChan, outChan, stride int, rng *rand.Rand) *Projection {
	return &Projection{
		Conv: NewConv2D(inChan, outChan, 1, stride, 0, false, rng),
		BN:   NewBatchNorm2D(outChan),
	}
}

func (p *Projection) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := p.Conv.Forward(x)
	if err != nil {
		return nil, err
	}
	return p.BN.Forward(h)
}

func (p *Projection) Backward(g *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := p.BN.Backward(g)
	if err != nil {
		return nil, err
	}
	return p.Conv.Backward(g)
}

func (p *Projection) Params() []*Param {
	return append(p.Conv.Params(), p.BN.Params()...)
}

func (p *Projection) Buffers() []*Buffer { return p.BN.Buffers() }

func (p *Projection) SetTraining(training bool) { p.BN.SetTraining(training) }

func (p *Projection) Tag() string {
	return "Projection[" + p.Conv.Tag() + "," + p.BN.Tag() + "]"
}

// ResidualBlock computes ReLU(main(x) + skip(x)) where main is
// conv3×3(stride) → BN → ReLU → conv3×3 → BN. The skip path is fixed at
// construction: Identity when stride == 1 and the channel count is kept,
// Projection otherwise.
type ResidualBlock struct {
	Conv1 *Conv2D
	BN1   *BatchNorm2D
	Act1  *ReLU
	Conv2 *Conv2D
	BN2   *BatchNorm2D
	Skip  Layer

	inChan, outChan, stride int

	outMask []bool
}

func NewResidualBlock(inChan, outChan, stride int, rng *rand.Rand) *ResidualBlock {
	r := &ResidualBlock{
		Conv1:   NewConv2D(inChan, outChan, 3, stride, 1, false, rng),
		BN1:     NewBatchNorm2D(outChan),
		Act1:    NewReLU(),
		Conv2:   NewConv2D(outChan, outChan, 3, 1, 1, false, rng),
		BN2:     NewBatchNorm2D(outChan),
		Skip:    Identity{},
		inChan:  inChan,
		outChan: outChan,
		stride:  stride,
	}
	if stride != 1 || inChan != outChan {
		r.Skip = NewProjection(inChan, outChan, stride, rng)
	}
	return r
}

// Projected reports whether the skip path is a projection.
func (r *ResidualBlock) Projected() bool {
	_, ok := r.Skip.(*Projection)
	return ok
}

func (r *ResidualBlock) main() []Layer {
	return []Layer{r.Conv1, r.BN1, r.Act1, r.Conv2, r.BN2}
}

// MainForward runs only the residual branch.
func (r *ResidualBlock) MainForward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h := x
	var err error
	for _, m := range r.main() {
		if h, err = m.Forward(h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (r *ResidualBlock) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	skip, err := r.Skip.Forward(x)
	if err != nil {
		return nil, err
	}
	h, err := r.MainForward(x)
	if err != nil {
		return nil, err
	}
	sum, err := tensor.Add(h, skip)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.Tag(), err)
	}
	r.outMask = make([]bool, len(sum.Data))
	for i, v := range sum.Data {
		r.outMask[i] = v > 0
	}
	return tensor.ReluPlain(sum), nil
}

// Backward propagates through both paths and sums their input gradients.
func (r *ResidualBlock) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if r.outMask == nil {
		return nil, fmt.Errorf("%s: no cached input for backward pass", r.Tag())
	}
	if len(gradOut.Data) != len(r.outMask) {
		return nil, &tensor.ShapeError{Op: r.Tag() + ".Backward", Want: []int{len(r.outMask)}, Got: gradOut.Shape}
	}
	g := reluMask(gradOut, r.outMask)

	main := r.main()
	grad := g
	var err error
	for i := len(main) - 1; i >= 0; i-- {
		if grad, err = main[i].Backward(grad); err != nil {
			return nil, err
		}
	}
	skipGrad, err := r.Skip.Backward(g)
	if err != nil {
		return nil, err
	}
	return tensor.Add(grad, skipGrad)
}

func (r *ResidualBlock) Params() []*Param {
	var ps []*Param
	for _, m := range r.main() {
		ps = append(ps, m.Params()...)
	}
	return append(ps, r.Skip.Params()...)
}

func (r *ResidualBlock) Buffers() []*Buffer {
	bs := append(r.BN1.Buffers(), r.BN2.Buffers()...)
	return append(bs, r.Skip.Buffers()...)
}

func (r *ResidualBlock) SetTraining(training bool) {
	for _, m := range r.main() {
		m.SetTraining(training)
	}
	r.Skip.SetTraining(training)
}

func (r *ResidualBlock) Tag() string {
	return fmt.Sprintf("ResidualBlock_%d_%d_s%d[%s]", r.inChan, r.outChan, r.stride, r.Skip.Tag())
}
