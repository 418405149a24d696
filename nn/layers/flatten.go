package layers

import (
	"fmt"

	"resnet20/tensor"
)

// Flatten reshapes [batch, d1, d2, ...] to [batch, d1*d2*...].
type Flatten struct {
	inShape []int
}

func NewFlatten() *Flatten { return &Flatten{} }

func (f *Flatten) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) < 2 {
		return nil, &tensor.ShapeError{Op: "Flatten", Want: []int{-1, -1}, Got: x.Shape}
	}
	f.inShape = append([]int(nil), x.Shape...)
	y := tensor.New(x.Shape[0], len(x.Data)/max(x.Shape[0], 1))
	copy(y.Data, x.Data)
	return y, nil
}

func (f *Flatten) Backward(g *tensor.Tensor) (*tensor.Tensor, error) {
	if f.inShape == nil {
		return nil, fmt.Errorf("Flatten: no cached input for backward pass")
	}
	out := g.Clone()
	return out.Reshape(f.inShape...)
}

func (f *Flatten) Params() []*Param   { return nil }
func (f *Flatten) Buffers() []*Buffer { return nil }
func (f *Flatten) SetTraining(bool)   {}
func (f *Flatten) Tag() string        { return "Flatten" }
