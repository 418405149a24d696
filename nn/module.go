package nn

import (
	"fmt"
	"strings"

	"resnet20/nn/layers"
	"resnet20/tensor"
)

// Module defines a single layer/unit in the network.
type Module interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	// Backward takes the gradient of the loss with respect to the module's
	// output, accumulates parameter gradients and returns the gradient with
	// respect to the module's input.
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Params() []*layers.Param
	Buffers() []*layers.Buffer
	SetTraining(training bool)
	Tag() string
}

// Sequential chains multiple Modules in order.
type Sequential struct {
	Layers []Module
}

// NewSequential wraps the given modules.
func NewSequential(ms ...Module) *Sequential {
	return &Sequential{Layers: ms}
}

// Forward applies each layer in sequence.
func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x
	var err error
	for i, layer := range s.Layers {
		if out, err = layer.Forward(out); err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, layer.Tag(), err)
		}
	}
	return out, nil
}

// Backward applies Backward in reverse order.
func (s *Sequential) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	out := grad
	var err error
	for i := len(s.Layers) - 1; i >= 0; i-- {
		if out, err = s.Layers[i].Backward(out); err != nil {
			return nil, fmt.Errorf("layer %d (%s) backward: %w", i, s.Layers[i].Tag(), err)
		}
	}
	return out, nil
}

func (s *Sequential) Params() []*layers.Param {
	var ps []*layers.Param
	for _, layer := range s.Layers {
		ps = append(ps, layer.Params()...)
	}
	return ps
}

func (s *Sequential) Buffers() []*layers.Buffer {
	var bs []*layers.Buffer
	for _, layer := range s.Layers {
		bs = append(bs, layer.Buffers()...)
	}
	return bs
}

func (s *Sequential) SetTraining(training bool) {
	for _, layer := range s.Layers {
		layer.SetTraining(training)
	}
}

func (s *Sequential) Tag() string {
	tags := make([]string, len(s.Layers))
	for i, layer := range s.Layers {
		tags[i] = layer.Tag()
	}
	return "Sequential[" + strings.Join(tags, ",") + "]"
}
