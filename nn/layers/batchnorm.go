package layers

import (
	"fmt"
	"math"

	"resnet20/tensor"

	"gonum.org/v1/gonum/floats"
)

const (
	bnEps      = 1e-5
	bnMomentum = 0.1
)

// BatchNorm2D normalises each channel of a [batch, C, H, W] feature map.
//
// In training mode the batch statistics are used and the running estimates
// are updated; in evaluation mode the running estimates are used and the
// layer state is not touched.
type BatchNorm2D struct {
	channels int
	Eps      float64
	Momentum float64

	Gamma *Param // scale, init 1
	Beta  *Param // shift, init 0

	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
	// NumBatchesTracked counts training-mode forward passes.
	NumBatchesTracked int

	training bool

	// cached for Backward
	xhat     *tensor.Tensor
	invStd   []float64
	cachedTr bool
}

// NewBatchNorm2D creates a batch-norm layer in training mode.
func NewBatchNorm2D(channels int) *BatchNorm2D {
	bn := &BatchNorm2D{
		channels:    channels,
		Eps:         bnEps,
		Momentum:    bnMomentum,
		Gamma:       newParam("weight", channels),
		Beta:        newParam("bias", channels),
		RunningMean: tensor.New(channels),
		RunningVar:  tensor.New(channels),
		training:    true,
	}
	tensor.Fill(bn.Gamma.Value, 1)
	tensor.Fill(bn.RunningVar, 1)
	return bn
}

// Channels returns the number of normalised channels.
func (bn *BatchNorm2D) Channels() int { return bn.channels }

// Training reports the current mode.
func (bn *BatchNorm2D) Training() bool { return bn.training }

func (bn *BatchNorm2D) SetTraining(training bool) { bn.training = training }

func (bn *BatchNorm2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != bn.channels {
		return nil, &tensor.ShapeError{Op: bn.Tag(), Want: []int{-1, bn.channels, -1, -1}, Got: x.Shape}
	}
	batch, plane := x.Shape[0], x.Shape[2]*x.Shape[3]
	n := batch * plane

	mean := make([]float64, bn.channels)
	variance := make([]float64, bn.channels)
	if bn.training {
		if n <= 1 {
			return nil, fmt.Errorf("%s: expected more than 1 value per channel when training, got input %v", bn.Tag(), x.Shape)
		}
		for c := 0; c < bn.channels; c++ {
			sum := 0.0
			for b := 0; b < batch; b++ {
				sum += floats.Sum(x.Data[(b*bn.channels+c)*plane : (b*bn.channels+c+1)*plane])
			}
			mean[c] = sum / float64(n)
			sq := 0.0
			for b := 0; b < batch; b++ {
				for _, v := range x.Data[(b*bn.channels+c)*plane : (b*bn.channels+c+1)*plane] {
					d := v - mean[c]
					sq += d * d
				}
			}
			variance[c] = sq / float64(n)

			unbiased := sq / float64(n-1)
			bn.RunningMean.Data[c] = (1-bn.Momentum)*bn.RunningMean.Data[c] + bn.Momentum*mean[c]
			bn.RunningVar.Data[c] = (1-bn.Momentum)*bn.RunningVar.Data[c] + bn.Momentum*unbiased
		}
		bn.NumBatchesTracked++
	} else {
		copy(mean, bn.RunningMean.Data)
		copy(variance, bn.RunningVar.Data)
	}

	out := tensor.New(x.Shape...)
	xhat := tensor.New(x.Shape...)
	invStd := make([]float64, bn.channels)
	for c := 0; c < bn.channels; c++ {
		invStd[c] = 1 / math.Sqrt(variance[c]+bn.Eps)
		g, be := bn.Gamma.Value.Data[c], bn.Beta.Value.Data[c]
		for b := 0; b < batch; b++ {
			off := (b*bn.channels + c) * plane
			for i := off; i < off+plane; i++ {
				h := (x.Data[i] - mean[c]) * invStd[c]
				xhat.Data[i] = h
				out.Data[i] = g*h + be
			}
		}
	}
	bn.xhat = xhat
	bn.invStd = invStd
	bn.cachedTr = bn.training
	return out, nil
}

// Backward accumulates γ/β gradients and returns dL/dx for the mode that
// was active during the matching Forward.
func (bn *BatchNorm2D) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.xhat == nil {
		return nil, fmt.Errorf("%s: no cached input for backward pass", bn.Tag())
	}
	if !tensor.SameShape(gradOut, bn.xhat) {
		return nil, &tensor.ShapeError{Op: bn.Tag() + ".Backward", Want: bn.xhat.Shape, Got: gradOut.Shape}
	}
	batch, plane := gradOut.Shape[0], gradOut.Shape[2]*gradOut.Shape[3]
	n := float64(batch * plane)
	gradIn := tensor.New(gradOut.Shape...)

	for c := 0; c < bn.channels; c++ {
		sumDy, sumDyXhat := 0.0, 0.0
		for b := 0; b < batch; b++ {
			off := (b*bn.channels + c) * plane
			dy := gradOut.Data[off : off+plane]
			sumDy += floats.Sum(dy)
			sumDyXhat += floats.Dot(dy, bn.xhat.Data[off:off+plane])
		}
		bn.Gamma.Grad.Data[c] += sumDyXhat
		bn.Beta.Grad.Data[c] += sumDy

		scale := bn.Gamma.Value.Data[c] * bn.invStd[c]
		for b := 0; b < batch; b++ {
			off := (b*bn.channels + c) * plane
			for i := off; i < off+plane; i++ {
				if bn.cachedTr {
					gradIn.Data[i] = scale * (gradOut.Data[i] - sumDy/n - bn.xhat.Data[i]*sumDyXhat/n)
				} else {
					gradIn.Data[i] = scale * gradOut.Data[i]
				}
			}
		}
	}
	return gradIn, nil
}

func (bn *BatchNorm2D) Params() []*Param { return []*Param{bn.Gamma, bn.Beta} }

// Buffers returns the running statistics.
func (bn *BatchNorm2D) Buffers() []*Buffer {
	return []*Buffer{
		{Name: "running_mean", Value: bn.RunningMean},
		{Name: "running_var", Value: bn.RunningVar},
	}
}

func (bn *BatchNorm2D) Tag() string { return fmt.Sprintf("BatchNorm2D_%d", bn.channels) }
