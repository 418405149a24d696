package layers

import "resnet20/tensor"

// Param is a learned tensor and the gradient accumulated for it.
type Param struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

func newParam(name string, shape ...int) *Param {
	return &Param{Name: name, Value: tensor.New(shape...), Grad: tensor.New(shape...)}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() { p.Grad.Zero() }

// Buffer is a non-learned tensor that is still part of a layer's state,
// such as batch-norm running statistics.
type Buffer struct {
	Name  string
	Value *tensor.Tensor
}
