package layers

import (
	"fmt"

	"resnet20/tensor"
)

// ReLU is the rectified-linear activation max(0, x).
type ReLU struct {
	mask []bool
}

func NewReLU() *ReLU { return &ReLU{} }

func (r *ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.ReluPlain(x)
	r.mask = make([]bool, len(x.Data))
	for i, v := range x.Data {
		r.mask[i] = v > 0
	}
	return out, nil
}

func (r *ReLU) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if r.mask == nil {
		return nil, fmt.Errorf("ReLU: no cached input for backward pass")
	}
	if len(gradOut.Data) != len(r.mask) {
		return nil, &tensor.ShapeError{Op: "ReLU.Backward", Want: []int{len(r.mask)}, Got: gradOut.Shape}
	}
	return reluMask(gradOut, r.mask), nil
}

func reluMask(grad *tensor.Tensor, mask []bool) *tensor.Tensor {
	out := tensor.New(grad.Shape...)
	for i, keep := range mask {
		if keep {
			out.Data[i] = grad.Data[i]
		}
	}
	return out
}

func (r *ReLU) Params() []*Param   { return nil }
func (r *ReLU) Buffers() []*Buffer { return nil }
func (r *ReLU) SetTraining(bool)   {}
func (r *ReLU) Tag() string        { return "ReLU" }
