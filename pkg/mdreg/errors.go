package mdreg

import (
	"errors"
	"fmt"

	"mdreg/pkg/fitting"
	"mdreg/pkg/registration"
	"mdreg/pkg/volume"
)

// The error taxonomy of the registration loop. ModelFitError and
// RegistrationError are recovered inside an iteration and only reported
// through Result; ShapeMismatchError and ConfigurationError are fatal.
type (
	ModelFitError      = fitting.ModelFitError
	RegistrationError  = registration.RegistrationError
	ShapeMismatchError = volume.ShapeMismatchError
)

// ErrConfiguration is matched by every *ConfigurationError via errors.Is.
var ErrConfiguration = errors.New("mdreg: invalid configuration")

// ConfigurationError reports an invalid option value. It is returned before
// the loop starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}
