package costing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrCyclicComposition     = errors.New("cyclic recipe composition")
	ErrAllocationUnavailable = errors.New("sales volume unavailable")
)

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// CyclicCompositionError reports the recipe ids on the cycle, starting and
// ending with the revisited id.
type CyclicCompositionError struct {
	Path []string
}

func (e *CyclicCompositionError) Error() string {
	return "cyclic recipe composition: " + strings.Join(e.Path, " -> ")
}

func (e *CyclicCompositionError) Is(target error) bool {
	return target == ErrCyclicComposition
}
