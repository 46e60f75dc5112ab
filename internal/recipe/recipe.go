// Package recipe models timed deposition recipes.
//
// A Recipe is an optional setup step, a loop body of one or more steps
// repeated LoopCount times, and an optional teardown step. Each step holds
// its channel targets for a fixed duration. Targets are partial: channels a
// step does not list keep the state left by the previous step.
//
// Recipes are loaded from YAML or JSON at the boundary, resolved against a
// channel bank, and validated against an interlock table before a run may
// start. A validated Recipe is treated as immutable; the sequencer keeps its
// own deep copy.
package recipe

import (
	"fmt"
	"math"
	"time"

	"github.com/aldcvd/deposition-core/internal/channel"
)

// Phase identifies which part of a recipe a step belongs to.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseCycle    Phase = "cycle"
	PhaseTeardown Phase = "teardown"
)

// Step is one timed segment of a recipe.
type Step struct {
	Label    string
	Duration time.Duration
	Targets  channel.States
}

// Name returns the label, or a positional fallback.
func (s Step) Name(index int) string {
	if s.Label != "" {
		return s.Label
	}
	return fmt.Sprintf("step %d", index+1)
}

// Recipe is a validated, resolved deposition recipe.
type Recipe struct {
	Name        string
	Description string
	LoopCount   int
	Setup       *Step
	Steps       []Step
	Teardown    *Step
}

// DeepCopy returns an independent copy of the recipe.
func (r *Recipe) DeepCopy() *Recipe {
	if r == nil {
		return nil
	}
	out := &Recipe{
		Name:        r.Name,
		Description: r.Description,
		LoopCount:   r.LoopCount,
		Steps:       make([]Step, len(r.Steps)),
	}
	for i, s := range r.Steps {
		out.Steps[i] = s.clone()
	}
	if r.Setup != nil {
		s := r.Setup.clone()
		out.Setup = &s
	}
	if r.Teardown != nil {
		s := r.Teardown.clone()
		out.Teardown = &s
	}
	return out
}

func (s Step) clone() Step {
	return Step{Label: s.Label, Duration: s.Duration, Targets: s.Targets.Clone()}
}

// CycleDuration is the length of one pass through the loop body.
func (r *Recipe) CycleDuration() time.Duration {
	var d time.Duration
	for _, s := range r.Steps {
		d += s.Duration
	}
	return d
}

// TotalDuration is the planned run time: setup, every loop iteration and
// teardown.
func (r *Recipe) TotalDuration() time.Duration {
	d := r.CycleDuration() * time.Duration(r.LoopCount)
	if r.Setup != nil {
		d += r.Setup.Duration
	}
	if r.Teardown != nil {
		d += r.Teardown.Duration
	}
	return d
}

// checkedTotal is TotalDuration that reports false instead of overflowing.
// Durations are assumed non-negative.
func (r *Recipe) checkedTotal() (time.Duration, bool) {
	var cycle time.Duration
	for _, s := range r.Steps {
		if s.Duration > math.MaxInt64-cycle {
			return 0, false
		}
		cycle += s.Duration
	}
	if r.LoopCount > 0 && cycle > math.MaxInt64/time.Duration(r.LoopCount) {
		return 0, false
	}
	total := cycle * time.Duration(r.LoopCount)
	for _, s := range []*Step{r.Setup, r.Teardown} {
		if s == nil {
			continue
		}
		if s.Duration > math.MaxInt64-total {
			return 0, false
		}
		total += s.Duration
	}
	return total, true
}

// StepCount is the number of steps applied over a full run.
func (r *Recipe) StepCount() int {
	n := len(r.Steps) * r.LoopCount
	if r.Setup != nil {
		n++
	}
	if r.Teardown != nil {
		n++
	}
	return n
}

// Position addresses one applied step of a run.
//
// Loop and Index are zero-based and only meaningful in PhaseCycle.
type Position struct {
	Phase Phase `json:"phase"`
	Loop  int   `json:"loop"`
	Index int   `json:"index"`
}

// First returns the position of the first step applied by a run.
func (r *Recipe) First() Position {
	if r.Setup != nil {
		return Position{Phase: PhaseSetup}
	}
	return Position{Phase: PhaseCycle}
}

// Next returns the position following p. ok is false once p is the last
// step of the run.
func (r *Recipe) Next(p Position) (next Position, ok bool) {
	switch p.Phase {
	case PhaseSetup:
		return Position{Phase: PhaseCycle}, true
	case PhaseCycle:
		if p.Index+1 < len(r.Steps) {
			return Position{Phase: PhaseCycle, Loop: p.Loop, Index: p.Index + 1}, true
		}
		if p.Loop+1 < r.LoopCount {
			return Position{Phase: PhaseCycle, Loop: p.Loop + 1}, true
		}
		if r.Teardown != nil {
			return Position{Phase: PhaseTeardown, Loop: p.Loop}, true
		}
	}
	return Position{}, false
}

// StepAt returns the step at p.
func (r *Recipe) StepAt(p Position) Step {
	switch p.Phase {
	case PhaseSetup:
		return *r.Setup
	case PhaseTeardown:
		return *r.Teardown
	default:
		return r.Steps[p.Index]
	}
}

// Label returns the display label of the step at p.
func (r *Recipe) Label(p Position) string {
	switch p.Phase {
	case PhaseSetup:
		if r.Setup.Label != "" {
			return r.Setup.Label
		}
		return string(PhaseSetup)
	case PhaseTeardown:
		if r.Teardown.Label != "" {
			return r.Teardown.Label
		}
		return string(PhaseTeardown)
	default:
		return r.Steps[p.Index].Name(p.Index)
	}
}
