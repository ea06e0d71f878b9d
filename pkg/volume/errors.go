package volume

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is matched by every *ShapeMismatchError via errors.Is.
var ErrShapeMismatch = errors.New("volume: shape mismatch")

// ShapeMismatchError reports an input whose shape violates a contract. It is
// a programmer error and is never recovered locally.
type ShapeMismatchError struct {
	Op     string
	Reason string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: %s", e.Op, e.Reason)
}

// Is lets errors.Is(err, ErrShapeMismatch) succeed.
func (e *ShapeMismatchError) Is(target error) bool {
	return target == ErrShapeMismatch
}
