package layers

import (
	"fmt"
	"math/rand"

	"resnet20/tensor"

	"gonum.org/v1/gonum/floats"
)

// Conv2D is a 2D convolution over [batch, inChan, H, W] feature maps with a
// square kernel, symmetric zero padding and an optional bias.
type Conv2D struct {
	inChan, outChan int
	k               int
	stride, pad     int

	W *Param // [outChan, inChan, k, k]
	B *Param // [outChan], nil when the layer has no bias

	lastInput *tensor.Tensor
}

// NewConv2D creates a convolution with weights (and bias) drawn from
// U(-1/sqrt(fan_in), 1/sqrt(fan_in)). A nil rng leaves them zeroed.
func NewConv2D(inChan, outChan, k, stride, pad int, bias bool, rng *rand.Rand) *Conv2D {
	if stride <= 0 {
		stride = 1
	}
	c := &Conv2D{
		inChan:  inChan,
		outChan: outChan,
		k:       k,
		stride:  stride,
		pad:     pad,
		W:       newParam("weight", outChan, inChan, k, k),
	}
	bound := tensor.FanInBound(inChan * k * k)
	if rng != nil {
		tensor.Uniform(c.W.Value, bound, rng)
	}
	if bias {
		c.B = newParam("bias", outChan)
		if rng != nil {
			tensor.Uniform(c.B.Value, bound, rng)
		}
	}
	return c
}

// InChannels returns the expected input channel count.
func (c *Conv2D) InChannels() int { return c.inChan }

// OutChannels returns the produced channel count.
func (c *Conv2D) OutChannels() int { return c.outChan }

// Stride returns the spatial stride.
func (c *Conv2D) Stride() int { return c.stride }

// OutputShape returns the output spatial size for an inH×inW input.
func (c *Conv2D) OutputShape(inH, inW int) (outH, outW int) {
	outH = (inH+2*c.pad-c.k)/c.stride + 1
	outW = (inW+2*c.pad-c.k)/c.stride + 1
	return outH, outW
}

func (c *Conv2D) checkInput(x *tensor.Tensor) error {
	if len(x.Shape) != 4 {
		return &tensor.ShapeError{Op: c.Tag(), Want: []int{-1, c.inChan, -1, -1}, Got: x.Shape}
	}
	if x.Shape[1] != c.inChan {
		return &tensor.ShapeError{Op: c.Tag(), Want: []int{x.Shape[0], c.inChan, x.Shape[2], x.Shape[3]}, Got: x.Shape}
	}
	if x.Shape[2]+2*c.pad < c.k || x.Shape[3]+2*c.pad < c.k {
		return fmt.Errorf("%s: input %dx%d smaller than kernel %d: %w", c.Tag(), x.Shape[2], x.Shape[3], c.k, tensor.ErrShapeMismatch)
	}
	return nil
}

// Forward convolves x and caches it for Backward.
func (c *Conv2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := c.checkInput(x); err != nil {
		return nil, err
	}
	batch, height, width := x.Shape[0], x.Shape[2], x.Shape[3]
	outH, outW := c.OutputShape(height, width)
	out := tensor.New(batch, c.outChan, outH, outW)
	c.lastInput = x

	w := c.W.Value.Data
	kk := c.k * c.k
	for b := 0; b < batch; b++ {
		for oc := 0; oc < c.outChan; oc++ {
			plane := out.Data[(b*c.outChan+oc)*outH*outW : (b*c.outChan+oc+1)*outH*outW]
			if c.B != nil {
				tensor.Fill(&tensor.Tensor{Data: plane}, c.B.Value.Data[oc])
			}
			for ic := 0; ic < c.inChan; ic++ {
				in := x.Data[(b*c.inChan+ic)*height*width : (b*c.inChan+ic+1)*height*width]
				kernel := w[(oc*c.inChan+ic)*kk : (oc*c.inChan+ic+1)*kk]
				for dy := 0; dy < c.k; dy++ {
					for dx := 0; dx < c.k; dx++ {
						wv := kernel[dy*c.k+dx]
						if wv == 0 {
							continue
						}
						for oy := 0; oy < outH; oy++ {
							iy := oy*c.stride + dy - c.pad
							if iy < 0 || iy >= height {
								continue
							}
							row := in[iy*width : (iy+1)*width]
							dst := plane[oy*outW : (oy+1)*outW]
							for ox := 0; ox < outW; ox++ {
								ix := ox*c.stride + dx - c.pad
								if ix < 0 || ix >= width {
									continue
								}
								dst[ox] += wv * row[ix]
							}
						}
					}
				}
			}
		}
	}
	return out, nil
}

// Backward accumulates weight/bias gradients and returns dL/dx.
func (c *Conv2D) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	x := c.lastInput
	if x == nil {
		return nil, fmt.Errorf("%s: no cached input for backward pass", c.Tag())
	}
	batch, height, width := x.Shape[0], x.Shape[2], x.Shape[3]
	outH, outW := c.OutputShape(height, width)
	want := []int{batch, c.outChan, outH, outW}
	if !tensor.SameShape(gradOut, &tensor.Tensor{Shape: want}) {
		return nil, &tensor.ShapeError{Op: c.Tag() + ".Backward", Want: want, Got: gradOut.Shape}
	}

	gradIn := tensor.New(x.Shape...)
	w := c.W.Value.Data
	gw := c.W.Grad.Data
	kk := c.k * c.k
	for b := 0; b < batch; b++ {
		for oc := 0; oc < c.outChan; oc++ {
			g := gradOut.Data[(b*c.outChan+oc)*outH*outW : (b*c.outChan+oc+1)*outH*outW]
			if c.B != nil {
				c.B.Grad.Data[oc] += floats.Sum(g)
			}
			for ic := 0; ic < c.inChan; ic++ {
				base := (b*c.inChan + ic) * height * width
				in := x.Data[base : base+height*width]
				din := gradIn.Data[base : base+height*width]
				widx := (oc*c.inChan + ic) * kk
				for dy := 0; dy < c.k; dy++ {
					for dx := 0; dx < c.k; dx++ {
						wv := w[widx+dy*c.k+dx]
						acc := 0.0
						for oy := 0; oy < outH; oy++ {
							iy := oy*c.stride + dy - c.pad
							if iy < 0 || iy >= height {
								continue
							}
							for ox := 0; ox < outW; ox++ {
								ix := ox*c.stride + dx - c.pad
								if ix < 0 || ix >= width {
									continue
								}
								gv := g[oy*outW+ox]
								acc += gv * in[iy*width+ix]
								din[iy*width+ix] += wv * gv
							}
						}
						gw[widx+dy*c.k+dx] += acc
					}
				}
			}
		}
	}
	return gradIn, nil
}

// Params returns the weight and, when present, the bias.
func (c *Conv2D) Params() []*Param {
	if c.B == nil {
		return []*Param{c.W}
	}
	return []*Param{c.W, c.B}
}

func (c *Conv2D) Buffers() []*Buffer { return nil }

func (c *Conv2D) SetTraining(bool) {}

func (c *Conv2D) Tag() string {
	return fmt.Sprintf("Conv2D_%d_%d_%dx%d_s%d", c.inChan, c.outChan, c.k, c.k, c.stride)
}
