package layers

import (
	"fmt"

	"resnet20/tensor"
)

// AvgPool2D averages non-overlapping p×p windows (stride p). Trailing rows
// and columns that do not fill a window are dropped.
type AvgPool2D struct {
	poolSize int
	inShape  []int
}

func NewAvgPool2D(p int) *AvgPool2D {
	return &AvgPool2D{poolSize: p}
}

// PoolSize returns the window edge.
func (a *AvgPool2D) PoolSize() int { return a.poolSize }

func (a *AvgPool2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, &tensor.ShapeError{Op: a.Tag(), Want: []int{-1, -1, a.poolSize, a.poolSize}, Got: x.Shape}
	}
	B, C, H, W := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	p := a.poolSize
	outH, outW := H/p, W/p
	if outH == 0 || outW == 0 {
		return nil, fmt.Errorf("%s: input %dx%d smaller than window: %w", a.Tag(), H, W, tensor.ErrShapeMismatch)
	}
	a.inShape = append([]int(nil), x.Shape...)

	out := tensor.New(B, C, outH, outW)
	inv := 1.0 / float64(p*p)
	for bc := 0; bc < B*C; bc++ {
		in := x.Data[bc*H*W : (bc+1)*H*W]
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				sum := 0.0
				for ph := 0; ph < p; ph++ {
					row := in[(oh*p+ph)*W:]
					for pw := 0; pw < p; pw++ {
						sum += row[ow*p+pw]
					}
				}
				out.Data[(bc*outH+oh)*outW+ow] = sum * inv
			}
		}
	}
	return out, nil
}

// Backward spreads each output gradient evenly over its window.
func (a *AvgPool2D) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if a.inShape == nil {
		return nil, fmt.Errorf("%s: no cached input for backward pass", a.Tag())
	}
	B, C, H, W := a.inShape[0], a.inShape[1], a.inShape[2], a.inShape[3]
	p := a.poolSize
	outH, outW := H/p, W/p
	want := []int{B, C, outH, outW}
	if !tensor.SameShape(gradOut, &tensor.Tensor{Shape: want}) {
		return nil, &tensor.ShapeError{Op: a.Tag() + ".Backward", Want: want, Got: gradOut.Shape}
	}

	gradIn := tensor.New(a.inShape...)
	inv := 1.0 / float64(p*p)
	for bc := 0; bc < B*C; bc++ {
		din := gradIn.Data[bc*H*W : (bc+1)*H*W]
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				g := gradOut.Data[(bc*outH+oh)*outW+ow] * inv
				for ph := 0; ph < p; ph++ {
					for pw := 0; pw < p; pw++ {
						din[(oh*p+ph)*W+ow*p+pw] = g
					}
				}
			}
		}
	}
	return gradIn, nil
}

func (a *AvgPool2D) Params() []*Param   { return nil }
func (a *AvgPool2D) Buffers() []*Buffer { return nil }
func (a *AvgPool2D) SetTraining(bool)   {}

func (a *AvgPool2D) Tag() string {
	return fmt.Sprintf("AvgPool2D_%d", a.poolSize)
}
