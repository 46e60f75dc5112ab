package recipe

import (
	"fmt"
	"math"
	"time"

	"github.com/aldcvd/deposition-core/internal/channel"
	"github.com/aldcvd/deposition-core/internal/interlock"
)

// MaxLoopCount bounds LoopCount to keep planning and history sane.
const MaxLoopCount = 100000

// Validate checks the recipe's structure and simulates it from an all-OFF
// bank against the interlock table.
//
// Every step is merged over the previous state and passed to
// table.Validate; the first breach is returned as a *StepError. Loop bodies
// are simulated for at most two iterations since every later iteration
// starts from the same state as the second.
func (r *Recipe) Validate(table *interlock.Table) error {
	if table == nil {
		return invalidf("nil interlock table")
	}
	return r.ValidateFrom(table, table.Bank().AllOff())
}

// ValidateFrom is Validate starting from an arbitrary initial state, such
// as the live device mirror.
func (r *Recipe) ValidateFrom(table *interlock.Table, initial channel.States) error {
	if table == nil {
		return invalidf("nil interlock table")
	}
	if err := r.validateStructure(table.Bank()); err != nil {
		return err
	}

	_, err := r.simulate(table, initial, 2, nil)
	return err
}

func (r *Recipe) validateStructure(bank *channel.Bank) error {
	if r.Name == "" {
		return invalidf("name is required")
	}
	if r.LoopCount < 1 {
		return invalidf("loop_count must be >= 1, got %d", r.LoopCount)
	}
	if r.LoopCount > MaxLoopCount {
		return invalidf("loop_count must be <= %d, got %d", MaxLoopCount, r.LoopCount)
	}
	if len(r.Steps) == 0 {
		return invalidf("at least one step is required")
	}

	check := func(p Position, s Step) error {
		if s.Duration < 0 {
			return &StepError{Phase: p.Phase, Index: p.Index, Label: s.Label, Err: fmt.Errorf("negative duration %s", s.Duration)}
		}
		if err := bank.Check(s.Targets); err != nil {
			return &StepError{Phase: p.Phase, Index: p.Index, Label: s.Label, Err: err}
		}
		return nil
	}
	if r.Setup != nil {
		if err := check(Position{Phase: PhaseSetup}, *r.Setup); err != nil {
			return err
		}
	}
	for i, s := range r.Steps {
		if err := check(Position{Phase: PhaseCycle, Index: i}, s); err != nil {
			return err
		}
	}
	if r.Teardown != nil {
		if err := check(Position{Phase: PhaseTeardown}, *r.Teardown); err != nil {
			return err
		}
	}

	if _, ok := r.checkedTotal(); !ok {
		return invalidf("total duration exceeds %s", time.Duration(math.MaxInt64))
	}

	if r.LoopCount > 1 && r.CycleDuration() == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRecipe, ErrNonTerminating)
	}
	return nil
}

// simulate walks the run from initial, validating each step. maxLoops caps
// how many loop iterations are walked (0 means all). visit, if non-nil, is
// called with each step's offset and merged state.
func (r *Recipe) simulate(table *interlock.Table, initial channel.States, maxLoops int, visit func(p Position, offset time.Duration, state channel.States)) (channel.States, error) {
	state := initial.Clone()
	var offset time.Duration

	p := r.First()
	for {
		step := r.StepAt(p)
		merged, err := table.Validate(state, step.Targets)
		if err != nil {
			return state, &StepError{Phase: p.Phase, Loop: p.Loop, Index: p.Index, Label: step.Label, Err: err}
		}
		state = merged
		if visit != nil {
			visit(p, offset, state.Clone())
		}
		offset += step.Duration

		next, ok := r.Next(p)
		if !ok {
			return state, nil
		}
		if maxLoops > 0 && next.Phase == PhaseCycle && next.Loop >= maxLoops {
			// Later iterations repeat the same transitions; jump to the last
			// iteration's tail so teardown is still checked.
			if r.Teardown == nil {
				return state, nil
			}
			next = Position{Phase: PhaseTeardown, Loop: r.LoopCount - 1}
		}
		p = next
	}
}

// Lint returns non-fatal warnings, such as steps that leave every channel
// OFF (no gas flowing).
func (r *Recipe) Lint(bank *channel.Bank) []string {
	var warnings []string
	state := bank.AllOff()

	check := func(where string, s Step) {
		state = state.Merge(s.Targets)
		if len(state.On()) == 0 {
			warnings = append(warnings, fmt.Sprintf("%s: no channel is ON", where))
		}
	}
	if r.Setup != nil {
		check(r.Label(Position{Phase: PhaseSetup}), *r.Setup)
	}
	for i, s := range r.Steps {
		check(s.Name(i), s)
	}
	if r.Teardown != nil {
		check(r.Label(Position{Phase: PhaseTeardown}), *r.Teardown)
	}
	return warnings
}
