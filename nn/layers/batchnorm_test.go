package layers

import (
	"math"
	"math/rand"
	"testing"

	"resnet20/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchNorm2D_Defaults(t *testing.T) {
	bn := NewBatchNorm2D(4)
	assert.True(t, bn.Training())
	assert.Equal(t, 1e-5, bn.Eps)
	assert.Equal(t, 0.1, bn.Momentum)
	assert.Equal(t, []float64{1, 1, 1, 1}, bn.Gamma.Value.Data)
	assert.Equal(t, []float64{0, 0, 0, 0}, bn.Beta.Value.Data)
	assert.Equal(t, []float64{0, 0, 0, 0}, bn.RunningMean.Data)
	assert.Equal(t, []float64{1, 1, 1, 1}, bn.RunningVar.Data)

	bufs := bn.Buffers()
	require.Len(t, bufs, 2)
	assert.Equal(t, "running_mean", bufs[0].Name)
	assert.Equal(t, "running_var", bufs[1].Name)
}

func TestBatchNorm2D_TrainingNormalises(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	x := randTensor(rng, 4, 3, 5, 5)
	for i := range x.Data {
		x.Data[i] = 3*x.Data[i] + 7
	}
	bn := NewBatchNorm2D(3)
	out, err := bn.Forward(x)
	require.NoError(t, err)

	plane := 25
	for c := 0; c < 3; c++ {
		var vals []float64
		for b := 0; b < 4; b++ {
			off := (b*3 + c) * plane
			vals = append(vals, out.Data[off:off+plane]...)
		}
		mean, sq := 0.0, 0.0
		for _, v := range vals {
			mean += v
		}
		mean /= float64(len(vals))
		for _, v := range vals {
			sq += (v - mean) * (v - mean)
		}
		assert.InDelta(t, 0, mean, 1e-9)
		assert.InDelta(t, 1, sq/float64(len(vals)), 1e-4)
	}
	assert.Equal(t, 1, bn.NumBatchesTracked)
}

func TestBatchNorm2D_RunningStatsUpdate(t *testing.T) {
	// one channel, values 1..4: mean 2.5, unbiased variance 5/3
	x, err := tensor.FromData([]float64{1, 2, 3, 4}, 1, 1, 2, 2)
	require.NoError(t, err)
	bn := NewBatchNorm2D(1)
	_, err = bn.Forward(x)
	require.NoError(t, err)

	assert.InDelta(t, 0.25, bn.RunningMean.Data[0], 1e-12)
	assert.InDelta(t, 0.9+0.1*5.0/3.0, bn.RunningVar.Data[0], 1e-12)
}

func TestBatchNorm2D_EvalLeavesStateUntouched(t *testing.T) {
	bn := NewBatchNorm2D(2)
	bn.RunningMean.Data[0], bn.RunningMean.Data[1] = 1, -1
	bn.RunningVar.Data[0], bn.RunningVar.Data[1] = 4, 0.25
	bn.SetTraining(false)

	x, err := tensor.FromData([]float64{3, 5, -1, 0}, 1, 2, 1, 2)
	require.NoError(t, err)
	out, err := bn.Forward(x)
	require.NoError(t, err)

	assert.InDelta(t, (3-1)/math.Sqrt(4+1e-5), out.Data[0], 1e-12)
	assert.InDelta(t, (5-1)/math.Sqrt(4+1e-5), out.Data[1], 1e-12)
	assert.InDelta(t, 0/math.Sqrt(0.25+1e-5), out.Data[2], 1e-12)
	assert.InDelta(t, 1/math.Sqrt(0.25+1e-5), out.Data[3], 1e-12)

	assert.Equal(t, []float64{1, -1}, bn.RunningMean.Data)
	assert.Equal(t, []float64{4, 0.25}, bn.RunningVar.Data)
	assert.Equal(t, 0, bn.NumBatchesTracked)

	again, err := bn.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, out.Data, again.Data)
}

func TestBatchNorm2D_SingleValueTrainingFails(t *testing.T) {
	bn := NewBatchNorm2D(2)
	_, err := bn.Forward(tensor.New(1, 2, 1, 1))
	require.Error(t, err)
	assert.Equal(t, []float64{0, 0}, bn.RunningMean.Data)

	bn.SetTraining(false)
	_, err = bn.Forward(tensor.New(1, 2, 1, 1))
	assert.NoError(t, err)
}

func TestBatchNorm2D_ChannelMismatch(t *testing.T) {
	_, err := NewBatchNorm2D(3).Forward(tensor.New(1, 2, 4, 4))
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestBatchNorm2D_GradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	for _, training := range []bool{true, false} {
		bn := NewBatchNorm2D(3)
		tensor.Uniform(bn.Gamma.Value, 1, rng)
		tensor.Uniform(bn.Beta.Value, 1, rng)
		tensor.Uniform(bn.RunningMean, 0.5, rng)
		tensor.Fill(bn.RunningVar, 1.5)
		bn.SetTraining(training)
		checkGradients(t, bn, randTensor(rng, 2, 3, 3, 3), rng)
	}
}
