package nn

import (
	"fmt"
	"math/rand"
	"strings"

	"resnet20/nn/layers"
	"resnet20/tensor"
)

// DefaultSeed initialises a ResNet20 built without an explicit RNG.
const DefaultSeed = 42

const (
	InputChannels = 3
	InputSize     = 32
	NumClasses    = 10
	FeatureDim    = 64
)

// stage describes one group of residual blocks; only the first block of a
// stage may change stride or width.
type stage struct {
	channels, blocks, stride int
}

var resnet20Stages = []stage{
	{16, 3, 1},
	{32, 3, 2},
	{64, 3, 2},
}

// ResNet20 is the CIFAR-10 residual network: a 3×3 stem, three stages of
// three residual blocks (16, 32 and 64 channels), global 8×8 average pooling
// and a 64→10 classifier. Input is [N, 3, 32, 32], output [N, 10] logits.
type ResNet20 struct {
	Conv1      *layers.Conv2D
	BN1        *layers.BatchNorm2D
	Act1       *layers.ReLU
	Blocks     []*layers.ResidualBlock
	Pool       *layers.AvgPool2D
	Flatten    *layers.Flatten
	Classifier *layers.Linear

	trunk    *Sequential
	training bool
}

// NewResNet20 builds the network in training mode. Weights are drawn from
// rng; a nil rng uses DefaultSeed.
func NewResNet20(rng *rand.Rand) *ResNet20 {
	if rng == nil {
		rng = rand.New(rand.NewSource(DefaultSeed))
	}
	m := &ResNet20{
		Conv1:   layers.NewConv2D(InputChannels, 16, 3, 1, 1, false, rng),
		BN1:     layers.NewBatchNorm2D(16),
		Act1:    layers.NewReLU(),
		Pool:    layers.NewAvgPool2D(8),
		Flatten: layers.NewFlatten(),
	}
	in := 16
	for _, st := range resnet20Stages {
		for b := 0; b < st.blocks; b++ {
			stride := 1
			if b == 0 {
				stride = st.stride
			}
			m.Blocks = append(m.Blocks, layers.NewResidualBlock(in, st.channels, stride, rng))
			in = st.channels
		}
	}
	m.Classifier = layers.NewLinear(FeatureDim, NumClasses, rng)

	trunk := []Module{m.Conv1, m.BN1, m.Act1}
	for _, b := range m.Blocks {
		trunk = append(trunk, b)
	}
	m.trunk = NewSequential(append(trunk, m.Pool, m.Flatten)...)
	m.Train()
	return m
}

// Features runs everything before the classifier and returns [N, 64].
func (m *ResNet20) Features(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != InputChannels {
		return nil, &tensor.ShapeError{Op: "ResNet20", Want: []int{-1, InputChannels, InputSize, InputSize}, Got: x.Shape}
	}
	f, err := m.trunk.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("resnet20: %w", err)
	}
	return f, nil
}

// Head applies the classifier to [N, 64] features.
func (m *ResNet20) Head(features *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := m.Classifier.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("resnet20: %w", err)
	}
	return out, nil
}

// Forward maps [N, 3, 32, 32] images to [N, 10] logits. Inputs of another
// resolution fail with a shape error at the pooling or classifier stage.
func (m *ResNet20) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	f, err := m.Features(x)
	if err != nil {
		return nil, err
	}
	return m.Head(f)
}

// Backward propagates dL/dlogits through the network, accumulating into
// every parameter's Grad, and returns dL/dinput.
func (m *ResNet20) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := m.Classifier.Backward(gradOut)
	if err != nil {
		return nil, fmt.Errorf("resnet20: %w", err)
	}
	if g, err = m.trunk.Backward(g); err != nil {
		return nil, fmt.Errorf("resnet20: %w", err)
	}
	return g, nil
}

// Train switches every batch-norm layer to batch statistics.
func (m *ResNet20) Train() { m.SetTraining(true) }

// Eval switches every batch-norm layer to running statistics. Forward
// passes in this mode do not mutate the network.
func (m *ResNet20) Eval() { m.SetTraining(false) }

func (m *ResNet20) SetTraining(training bool) {
	m.training = training
	m.trunk.SetTraining(training)
	m.Classifier.SetTraining(training)
}

// Training reports the current mode.
func (m *ResNet20) Training() bool { return m.training }

func (m *ResNet20) Params() []*layers.Param {
	return append(m.trunk.Params(), m.Classifier.Params()...)
}

func (m *ResNet20) Buffers() []*layers.Buffer { return m.trunk.Buffers() }

func (m *ResNet20) Tag() string { return "ResNet20" }

// ParamCount returns the number of learned scalars.
func (m *ResNet20) ParamCount() int {
	n := 0
	for _, p := range m.Params() {
		n += p.Value.Size()
	}
	return n
}

// ZeroGrad clears every accumulated gradient.
func (m *ResNet20) ZeroGrad() {
	for _, p := range m.Params() {
		p.ZeroGrad()
	}
}

// NamedParam pairs a parameter with its dotted path in the network.
type NamedParam struct {
	Name  string
	Param *layers.Param
}

// NamedBuffer pairs a buffer with its dotted path in the network.
type NamedBuffer struct {
	Name   string
	Buffer *layers.Buffer
}

// namedChildren lists the direct components of the network under the names
// used in checkpoints of the reference model, e.g.
// residual_layers.3.residual.0.weight for the projection convolution of the
// first 32-channel block.
func (m *ResNet20) namedChildren() []namedModule {
	ms := []namedModule{{"conv1", m.Conv1}, {"bnorm1", m.BN1}}
	for i, b := range m.Blocks {
		prefix := fmt.Sprintf("residual_layers.%d.", i)
		ms = append(ms,
			namedModule{prefix + "conv1", b.Conv1},
			namedModule{prefix + "bnorm1", b.BN1},
			namedModule{prefix + "conv2", b.Conv2},
			namedModule{prefix + "bnorm2", b.BN2},
		)
		if p, ok := b.Skip.(*layers.Projection); ok {
			ms = append(ms,
				namedModule{prefix + "residual.0", p.Conv},
				namedModule{prefix + "residual.1", p.BN},
			)
		}
	}
	return append(ms, namedModule{"classifier", m.Classifier})
}

type namedModule struct {
	name string
	m    Module
}

// NamedParameters lists every parameter with its dotted name.
func (m *ResNet20) NamedParameters() []NamedParam {
	var out []NamedParam
	for _, c := range m.namedChildren() {
		for _, p := range c.m.Params() {
			out = append(out, NamedParam{Name: c.name + "." + p.Name, Param: p})
		}
	}
	return out
}

// NamedBuffers lists the batch-norm running statistics with dotted names.
func (m *ResNet20) NamedBuffers() []NamedBuffer {
	var out []NamedBuffer
	for _, c := range m.namedChildren() {
		for _, b := range c.m.Buffers() {
			out = append(out, NamedBuffer{Name: c.name + "." + b.Name, Buffer: b})
		}
	}
	return out
}

// String renders a layer-by-layer summary with parameter counts.
func (m *ResNet20) String() string {
	var sb strings.Builder
	sb.WriteString("ResNet20(\n")
	line := func(name string, mod Module) {
		n := 0
		for _, p := range mod.Params() {
			n += p.Value.Size()
		}
		fmt.Fprintf(&sb, "  %-20s %-48s %8d\n", name, mod.Tag(), n)
	}
	line("conv1", m.Conv1)
	line("bnorm1", m.BN1)
	line("relu", m.Act1)
	for i, b := range m.Blocks {
		line(fmt.Sprintf("residual_layers.%d", i), b)
	}
	line("pool", m.Pool)
	line("flatten", m.Flatten)
	line("classifier", m.Classifier)
	fmt.Fprintf(&sb, ")\ntrainable parameters: %d\n", m.ParamCount())
	return sb.String()
}
