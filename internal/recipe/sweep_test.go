package recipe

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/aldcvd/deposition-core/internal/channel"
	"github.com/aldcvd/deposition-core/internal/interlock"
)

// randomStep picks a partial target set over channels 1..3.
func randomStep(rng *rand.Rand, label string) Step {
	targets := make(channel.States)
	for id := channel.ID(1); id <= 3; id++ {
		switch rng.IntN(3) {
		case 0:
			targets[id] = true
		case 1:
			targets[id] = false
		}
	}
	return Step{
		Label:    label,
		Duration: time.Duration(1+rng.IntN(5)) * time.Second,
		Targets:  targets,
	}
}

func randomRecipe(rng *rand.Rand, n int) *Recipe {
	r := &Recipe{
		Name:      fmt.Sprintf("random-%d", n),
		LoopCount: 1 + rng.IntN(4),
	}
	for i := range 1 + rng.IntN(4) {
		r.Steps = append(r.Steps, randomStep(rng, fmt.Sprintf("s%d", i)))
	}
	if rng.IntN(2) == 0 {
		s := randomStep(rng, "setup")
		r.Setup = &s
	}
	if rng.IntN(2) == 0 {
		s := randomStep(rng, "teardown")
		r.Teardown = &s
	}
	return r
}

// walk merges every applied step in run order from an all-OFF bank and
// reports the first state that breaks a rule.
func walk(table *interlock.Table, r *Recipe) ([]channel.States, error) {
	var steps []Step
	if r.Setup != nil {
		steps = append(steps, *r.Setup)
	}
	for range r.LoopCount {
		steps = append(steps, r.Steps...)
	}
	if r.Teardown != nil {
		steps = append(steps, *r.Teardown)
	}

	state := table.Bank().AllOff()
	out := make([]channel.States, 0, len(steps))
	for _, s := range steps {
		state = state.Merge(s.Targets)
		if _, err := table.Validate(state, nil); err != nil {
			return out, err
		}
		out = append(out, state.Clone())
	}
	return out, nil
}

func TestValidatedRecipesNeverBreakInterlocks(t *testing.T) {
	table := benchTable(t)
	rng := rand.New(rand.NewPCG(1, 2))

	accepted, rejected := 0, 0
	for n := range 2000 {
		r := randomRecipe(rng, n)
		validateErr := r.Validate(table)
		states, walkErr := walk(table, r)

		if (validateErr == nil) != (walkErr == nil) {
			t.Fatalf("%s: Validate() = %v but full walk = %v", r.Name, validateErr, walkErr)
		}
		if validateErr != nil {
			if !errors.Is(validateErr, interlock.ErrInterlockViolation) {
				t.Fatalf("%s: Validate() = %v, want an interlock violation", r.Name, validateErr)
			}
			rejected++
			continue
		}
		accepted++

		entries, err := r.Timeline(table)
		if err != nil {
			t.Fatalf("%s: Timeline: %v", r.Name, err)
		}
		if len(entries) != len(states) {
			t.Fatalf("%s: %d timeline entries, want %d", r.Name, len(entries), len(states))
		}

		prev := table.Bank().AllOff()
		for i, e := range entries {
			if _, err := table.Validate(e.States, nil); err != nil {
				t.Fatalf("%s: entry %d (%s) breaks a rule: %v", r.Name, i, e.Label, err)
			}
			if !e.States.Equal(states[i]) {
				t.Fatalf("%s: entry %d = %v, want %v", r.Name, i, e.States, states[i])
			}

			// Written one channel at a time, the board stays legal too.
			changes := prev.Diff(e.States)
			board := prev.Clone()
			for _, id := range table.Order(prev, changes) {
				board[id] = changes[id]
				if _, err := table.Validate(board, nil); err != nil {
					t.Fatalf("%s: entry %d: writing %s leaves %s: %v", r.Name, i, id, board, err)
				}
			}
			prev = e.States
		}
	}

	if accepted == 0 || rejected == 0 {
		t.Fatalf("sweep not varied: %d accepted, %d rejected", accepted, rejected)
	}
}
