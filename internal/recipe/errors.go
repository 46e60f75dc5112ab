package recipe

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRecipe is returned for malformed or unsafe recipes.
	ErrInvalidRecipe = errors.New("recipe: invalid")

	// ErrNonTerminating is returned when a repeated loop body has no
	// duration, so the run could never make progress in real time.
	ErrNonTerminating = errors.New("recipe: loop body has zero total duration")

	// ErrRecipeNotFound is returned when a named recipe is not in the library.
	ErrRecipeNotFound = errors.New("recipe: not found")
)

// StepError locates a validation failure at a particular step.
//
// It matches both ErrInvalidRecipe and the underlying cause with errors.Is,
// so an interlock breach found during simulation is still detectable as
// interlock.ErrInterlockViolation.
type StepError struct {
	Phase Phase
	Loop  int
	Index int
	Label string
	Err   error
}

func (e *StepError) Error() string {
	where := string(e.Phase)
	if e.Phase == PhaseCycle {
		where = fmt.Sprintf("cycle %d step %d", e.Loop+1, e.Index+1)
	}
	if e.Label != "" {
		where += fmt.Sprintf(" (%s)", e.Label)
	}
	return fmt.Sprintf("%s: %s: %v", ErrInvalidRecipe, where, e.Err)
}

func (e *StepError) Unwrap() []error { return []error{ErrInvalidRecipe, e.Err} }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidRecipe}, args...)...)
}
