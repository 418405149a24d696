package tensor

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is wrapped by every ShapeError.
var ErrShapeMismatch = errors.New("shape mismatch")

// ShapeError reports an operand whose shape does not fit an operation.
type ShapeError struct {
	Op   string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: want %v, got %v", e.Op, e.Want, e.Got)
}

func (e *ShapeError) Unwrap() error { return ErrShapeMismatch }
