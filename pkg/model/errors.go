package model

import "fmt"

// ModelInvariantError reports a documented invariant violation (spec §7,
// §8). It is the only error class in this daemon that is meant to reach
// logrus.Fatal — everything else is recovered at the boundary that owns
// the resource.
type ModelInvariantError struct {
	Invariant string
	Detail    string
}

func (e *ModelInvariantError) Error() string {
	return fmt.Sprintf("model invariant violated (%s): %s", e.Invariant, e.Detail)
}

func invariantViolation(name, format string, args ...any) error {
	return &ModelInvariantError{Invariant: name, Detail: fmt.Sprintf(format, args...)}
}
