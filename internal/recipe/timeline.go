package recipe

import (
	"time"

	"github.com/aldcvd/deposition-core/internal/channel"
	"github.com/aldcvd/deposition-core/internal/interlock"
)

// Entry is one step application on a planned timeline.
type Entry struct {
	Offset   time.Duration  `json:"offset"`
	Position Position       `json:"position"`
	Label    string         `json:"label"`
	Duration time.Duration  `json:"duration"`
	States   channel.States `json:"states"`
}

// Timeline lists every step application of a full run, starting from an
// all-OFF bank, with the merged channel state after each step. The final
// element's Offset plus Duration equals TotalDuration.
func (r *Recipe) Timeline(table *interlock.Table) ([]Entry, error) {
	if err := r.Validate(table); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, r.StepCount())
	_, err := r.simulate(table, table.Bank().AllOff(), 0, func(p Position, offset time.Duration, state channel.States) {
		step := r.StepAt(p)
		entries = append(entries, Entry{
			Offset:   offset,
			Position: p,
			Label:    r.Label(p),
			Duration: step.Duration,
			States:   state,
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
