package layers

import (
	"errors"
	"math/rand"
	"testing"

	"resnet20/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatten_Plain(t *testing.T) {
	f := NewFlatten()
	input := tensor.New(2, 3, 1, 1)
	for i := range input.Data {
		input.Data[i] = float64(i)
	}
	out, err := f.Forward(input)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, out.Shape)
	assert.Equal(t, input.Data, out.Data)

	// output must not alias the input
	out.Data[0] = 42
	assert.Equal(t, 0.0, input.Data[0])
}

func TestFlatten_BackwardRestoresShape(t *testing.T) {
	f := NewFlatten()
	rng := rand.New(rand.NewSource(4))
	x := randTensor(rng, 2, 4, 2, 2)
	out, err := f.Forward(x)
	require.NoError(t, err)

	g, err := f.Backward(out)
	require.NoError(t, err)
	assert.Equal(t, x.Shape, g.Shape)
	assert.Equal(t, x.Data, g.Data)

	checkGradients(t, f, x, rng)
}

func TestFlatten_RejectsVector(t *testing.T) {
	_, err := NewFlatten().Forward(tensor.New(6))
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}
