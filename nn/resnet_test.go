package nn

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"resnet20/nn/layers"
	"resnet20/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randInput(rng *rand.Rand, shape ...int) *tensor.Tensor {
	x := tensor.New(shape...)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	return x
}

func TestResNet20_OutputShape(t *testing.T) {
	m := NewResNet20(rand.New(rand.NewSource(1)))
	rng := rand.New(rand.NewSource(2))
	for _, n := range []int{1, 3} {
		out, err := m.Forward(randInput(rng, n, 3, 32, 32))
		require.NoError(t, err)
		assert.Equal(t, []int{n, 10}, out.Shape)
	}
}

func TestResNet20_ParamCount(t *testing.T) {
	m := NewResNet20(nil)
	assert.Equal(t, 272474, m.ParamCount())

	channels := 0
	for _, b := range m.Buffers() {
		channels += b.Value.Size()
	}
	assert.Equal(t, 2*784, channels)
}

func TestResNet20_Structure(t *testing.T) {
	m := NewResNet20(nil)
	require.Len(t, m.Blocks, 9)
	wantProjected := []bool{false, false, false, true, false, false, true, false, false}
	wantOut := []int{16, 16, 16, 32, 32, 32, 64, 64, 64}
	wantStride := []int{1, 1, 1, 2, 1, 1, 2, 1, 1}
	for i, b := range m.Blocks {
		assert.Equal(t, wantProjected[i], b.Projected(), "block %d", i)
		assert.Equal(t, wantOut[i], b.Conv2.OutChannels(), "block %d", i)
		assert.Equal(t, wantStride[i], b.Conv1.Stride(), "block %d", i)
	}
	assert.Equal(t, 8, m.Pool.PoolSize())
	assert.Equal(t, 64, m.Classifier.InDim())
	assert.Equal(t, 10, m.Classifier.OutDim())
	assert.True(t, strings.Contains(m.String(), "trainable parameters: 272474"))
}

func TestResNet20_IdentityShortcut(t *testing.T) {
	m := NewResNet20(nil)
	rng := rand.New(rand.NewSource(3))
	x := randInput(rng, 2, 16, 32, 32)
	skip, err := m.Blocks[1].Skip.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, x.Shape, skip.Shape)
	assert.Equal(t, x.Data, skip.Data)
}

func TestResNet20_ProjectionShape(t *testing.T) {
	m := NewResNet20(nil)
	rng := rand.New(rand.NewSource(4))
	for _, tc := range []struct {
		block int
		in    []int
	}{
		{3, []int{2, 16, 32, 32}},
		{6, []int{2, 32, 16, 16}},
	} {
		b := m.Blocks[tc.block]
		x := randInput(rng, tc.in...)
		main, err := b.MainForward(x)
		require.NoError(t, err)
		skip, err := b.Skip.Forward(x)
		require.NoError(t, err)
		assert.Equal(t, main.Shape, skip.Shape, "block %d", tc.block)
	}
}

func TestResNet20_EvalDeterministic(t *testing.T) {
	m := NewResNet20(rand.New(rand.NewSource(5)))
	m.Eval()
	x := randInput(rand.New(rand.NewSource(6)), 2, 3, 32, 32)

	before := snapshotBuffers(m)
	a, err := m.Forward(x)
	require.NoError(t, err)
	b, err := m.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
	assert.Equal(t, before, snapshotBuffers(m))
}

func TestResNet20_ZeroInputFinite(t *testing.T) {
	m := NewResNet20(nil)
	m.Eval()
	out, err := m.Forward(tensor.New(2, 3, 32, 32))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 10}, out.Shape)
	for _, v := range out.Data {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
}

func TestResNet20_TrainingUpdatesRunningStats(t *testing.T) {
	m := NewResNet20(nil)
	before := snapshotBuffers(m)
	_, err := m.Forward(randInput(rand.New(rand.NewSource(7)), 2, 3, 32, 32))
	require.NoError(t, err)
	assert.NotEqual(t, before, snapshotBuffers(m))
	assert.Equal(t, 1, m.BN1.NumBatchesTracked)
}

func TestResNet20_ShapeErrors(t *testing.T) {
	m := NewResNet20(nil)
	m.Eval()
	cases := [][]int{
		{1, 1, 32, 32},
		{1, 3, 16, 16},
		{1, 3, 64, 64},
		{3, 32, 32},
	}
	for _, shape := range cases {
		_, err := m.Forward(tensor.New(shape...))
		assert.ErrorIs(t, err, tensor.ErrShapeMismatch, "%v", shape)
	}
}

func TestResNet20_NamedParameters(t *testing.T) {
	m := NewResNet20(nil)
	named := m.NamedParameters()
	require.Len(t, named, len(m.Params()))

	names := make(map[string]*layers.Param, len(named))
	total := 0
	for _, np := range named {
		_, dup := names[np.Name]
		require.False(t, dup, "duplicate %s", np.Name)
		names[np.Name] = np.Param
		total += np.Param.Value.Size()
	}
	assert.Equal(t, m.ParamCount(), total)

	for _, name := range []string{
		"conv1.weight",
		"bnorm1.weight",
		"bnorm1.bias",
		"residual_layers.0.conv1.weight",
		"residual_layers.0.bnorm2.bias",
		"residual_layers.3.residual.0.weight",
		"residual_layers.3.residual.1.weight",
		"residual_layers.6.residual.1.bias",
		"classifier.weight",
		"classifier.bias",
	} {
		assert.Contains(t, names, name)
	}
	assert.NotContains(t, names, "residual_layers.1.residual.0.weight")
	assert.Equal(t, []int{32, 16, 1, 1}, names["residual_layers.3.residual.0.weight"].Value.Shape)
	assert.Equal(t, []int{10, 64}, names["classifier.weight"].Value.Shape)

	buffers := m.NamedBuffers()
	assert.Len(t, buffers, len(m.Buffers()))
	assert.Equal(t, "bnorm1.running_mean", buffers[0].Name)
	assert.Equal(t, "bnorm1.running_var", buffers[1].Name)
}

func TestResNet20_Backward(t *testing.T) {
	m := NewResNet20(rand.New(rand.NewSource(8)))
	m.Eval()
	rng := rand.New(rand.NewSource(9))
	x := randInput(rng, 1, 3, 32, 32)
	labels := []int{4}
	var ce CrossEntropyLoss

	lossAt := func() float64 {
		logits, err := m.Forward(x)
		require.NoError(t, err)
		loss, _, err := ce.Forward(logits, labels)
		require.NoError(t, err)
		return loss
	}

	logits, err := m.Forward(x)
	require.NoError(t, err)
	_, grad, err := ce.Forward(logits, labels)
	require.NoError(t, err)
	m.ZeroGrad()
	gradIn, err := m.Backward(grad)
	require.NoError(t, err)
	assert.Equal(t, x.Shape, gradIn.Shape)

	named := m.NamedParameters()
	byName := map[string]*layers.Param{}
	for _, np := range named {
		byName[np.Name] = np.Param
	}
	const eps = 1e-6
	for _, probe := range []struct {
		name string
		idx  int
	}{
		{"classifier.bias", 4},
		{"classifier.weight", 100},
		{"residual_layers.8.bnorm2.weight", 7},
		{"residual_layers.6.residual.0.weight", 11},
		{"conv1.weight", 0},
	} {
		p := byName[probe.name]
		require.NotNil(t, p, probe.name)
		orig := p.Value.Data[probe.idx]
		p.Value.Data[probe.idx] = orig + eps
		plus := lossAt()
		p.Value.Data[probe.idx] = orig - eps
		minus := lossAt()
		p.Value.Data[probe.idx] = orig
		num := (plus - minus) / (2 * eps)
		assert.InDelta(t, num, p.Grad.Data[probe.idx], 1e-5+1e-2*math.Abs(num), probe.name)
	}

	m.ZeroGrad()
	for _, p := range m.Params() {
		for _, g := range p.Grad.Data {
			require.Zero(t, g)
		}
	}
}

func TestResNet20_SeedDeterminism(t *testing.T) {
	a := NewResNet20(rand.New(rand.NewSource(11)))
	b := NewResNet20(rand.New(rand.NewSource(11)))
	pa, pb := a.Params(), b.Params()
	for i := range pa {
		require.Equal(t, pa[i].Value.Data, pb[i].Value.Data)
	}
	c := NewResNet20(nil)
	d := NewResNet20(nil)
	assert.Equal(t, c.Classifier.W.Value.Data, d.Classifier.W.Value.Data)
}

func snapshotBuffers(m *ResNet20) [][]float64 {
	var out [][]float64
	for _, b := range m.Buffers() {
		out = append(out, append([]float64(nil), b.Value.Data...))
	}
	return out
}
