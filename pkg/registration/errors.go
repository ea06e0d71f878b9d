package registration

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is wrapped when a frame exceeded its time budget.
	ErrTimeout = errors.New("registration: frame timed out")

	// ErrDiverged is returned when a registration ends further from the
	// reference than it started.
	ErrDiverged = errors.New("registration: did not converge")

	// ErrInvalidOutput is wrapped when a backend returns a field or frame
	// that does not match the input shape.
	ErrInvalidOutput = errors.New("registration: invalid backend output")
)

// RegistrationError records a failure to register one frame. The Runner
// recovers from it with the identity deformation.
type RegistrationError struct {
	Frame   int
	Backend string
	Err     error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration (%s) failed for frame %d: %v", e.Backend, e.Frame, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }
