package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by mutating operations on unknown tests. Read
// paths return no value instead.
var ErrNotFound = errors.New("test not found")

// ErrInvalidTransition is returned when a lifecycle change is not allowed
// from the test's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidationError reports every configuration rule a test violates, so the
// caller can fix the whole configuration in one round trip.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid test configuration: %s", strings.Join(e.Violations, "; "))
}
