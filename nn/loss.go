package nn

import (
	"fmt"
	"math"
	"sort"

	"resnet20/tensor"

	"gonum.org/v1/gonum/floats"
)

// Softmax applies the softmax function to each row of [batch, classes]
// logits.
func Softmax(logits *tensor.Tensor) (*tensor.Tensor, error) {
	if len(logits.Shape) != 2 || logits.Shape[1] == 0 {
		return nil, &tensor.ShapeError{Op: "Softmax", Want: []int{-1, -1}, Got: logits.Shape}
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	out := tensor.New(batch, classes)
	for b := 0; b < batch; b++ {
		row := logits.Data[b*classes : (b+1)*classes]
		dst := out.Data[b*classes : (b+1)*classes]
		maxLogit := floats.Max(row)
		for i, v := range row {
			dst[i] = math.Exp(v - maxLogit)
		}
		floats.Scale(1/floats.Sum(dst), dst)
	}
	return out, nil
}

// CrossEntropyLoss is the mean negative log-likelihood of softmax(logits).
type CrossEntropyLoss struct{}

// Forward returns the loss and dL/dlogits = (softmax - onehot) / batch.
func (c *CrossEntropyLoss) Forward(logits *tensor.Tensor, labels []int) (float64, *tensor.Tensor, error) {
	probs, err := Softmax(logits)
	if err != nil {
		return 0, nil, err
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	if len(labels) != batch {
		return 0, nil, fmt.Errorf("cross entropy: %d labels for batch of %d", len(labels), batch)
	}
	if batch == 0 {
		return 0, probs, nil
	}
	loss := 0.0
	grad := probs.Clone()
	inv := 1 / float64(batch)
	for b, y := range labels {
		if y < 0 || y >= classes {
			return 0, nil, fmt.Errorf("cross entropy: label %d out of range [0, %d)", y, classes)
		}
		loss -= math.Log(math.Max(probs.Data[b*classes+y], math.SmallestNonzeroFloat64))
		grad.Data[b*classes+y] -= 1
	}
	floats.Scale(inv, grad.Data)
	return loss * inv, grad, nil
}

// Prediction is one class and its probability.
type Prediction struct {
	Class int
	Prob  float64
}

// TopK returns the k most probable classes of each row of logits, best
// first. k is clamped to the number of classes.
func TopK(logits *tensor.Tensor, k int) ([][]Prediction, error) {
	probs, err := Softmax(logits)
	if err != nil {
		return nil, err
	}
	batch, classes := probs.Shape[0], probs.Shape[1]
	if k <= 0 {
		return nil, fmt.Errorf("top-k: k must be positive, got %d", k)
	}
	k = min(k, classes)
	out := make([][]Prediction, batch)
	for b := 0; b < batch; b++ {
		row := make([]Prediction, classes)
		for c := range row {
			row[c] = Prediction{Class: c, Prob: probs.Data[b*classes+c]}
		}
		sort.SliceStable(row, func(i, j int) bool { return row[i].Prob > row[j].Prob })
		out[b] = row[:k]
	}
	return out, nil
}
