package layers

import (
	"errors"
	"math/rand"
	"testing"

	"resnet20/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvgPool2D_PlainVsReference(t *testing.T) {
	B, C, H, W, p := 2, 3, 4, 4, 2
	rng := rand.New(rand.NewSource(1))
	x := randTensor(rng, B, C, H, W)

	layer := NewAvgPool2D(p)
	out, err := layer.Forward(x)
	require.NoError(t, err)
	require.Equal(t, []int{B, C, H / p, W / p}, out.Shape)

	for b := 0; b < B; b++ {
		for c := 0; c < C; c++ {
			for oh := 0; oh < H/p; oh++ {
				for ow := 0; ow < W/p; ow++ {
					sum := 0.0
					for ph := 0; ph < p; ph++ {
						for pw := 0; pw < p; pw++ {
							sum += x.At(b, c, oh*p+ph, ow*p+pw)
						}
					}
					assert.InDelta(t, sum/float64(p*p), out.At(b, c, oh, ow), 1e-12)
				}
			}
		}
	}
}

func TestAvgPool2D_GlobalOver8x8(t *testing.T) {
	x := tensor.New(1, 64, 8, 8)
	for i := range x.Data {
		x.Data[i] = float64(i / 64)
	}
	out, err := NewAvgPool2D(8).Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 64, 1, 1}, out.Shape)
	for c := 0; c < 64; c++ {
		assert.Equal(t, float64(c), out.Data[c])
	}
}

func TestAvgPool2D_DropsTrailing(t *testing.T) {
	x := tensor.New(1, 1, 5, 5)
	tensor.Fill(x, 2)
	out, err := NewAvgPool2D(2).Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, out.Shape)
}

func TestAvgPool2D_InputSmallerThanWindow(t *testing.T) {
	_, err := NewAvgPool2D(8).Forward(tensor.New(1, 64, 4, 4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))

	_, err = NewAvgPool2D(8).Forward(tensor.New(64, 8, 8))
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}

func TestAvgPool2D_GradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	checkGradients(t, NewAvgPool2D(2), randTensor(rng, 2, 2, 4, 4), rng)
	checkGradients(t, NewAvgPool2D(3), randTensor(rng, 1, 2, 7, 6), rng)
}

func TestAvgPool2D_BackwardShape(t *testing.T) {
	layer := NewAvgPool2D(2)
	_, err := layer.Backward(tensor.New(1, 1, 1, 1))
	require.Error(t, err)

	_, err = layer.Forward(tensor.New(1, 1, 4, 4))
	require.NoError(t, err)
	_, err = layer.Backward(tensor.New(1, 1, 3, 3))
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}
