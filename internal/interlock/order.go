package interlock

import (
	"github.com/aldcvd/deposition-core/internal/channel"
)

// Order returns the IDs of changes in the sequence they should be written
// to the board so that no single write breaks a rule that held before it.
//
// Writes are chosen greedily: OFF transitions first, then ON transitions,
// each in ascending channel order, skipping any write that would newly break
// a rule. For a requires(a, b) rule this turns a OFF before b and b ON
// before a. When current and current.Merge(changes) both pass Validate an
// order with no breach always exists. If the starting state is already
// broken and no safe write remains, the rest follow in break-before-make
// order.
func (t *Table) Order(current, changes channel.States) []channel.ID {
	pending := changes.BreakBeforeMake()
	out := make([]channel.ID, 0, len(pending))
	state := current.Clone()
	broken := t.brokenRules(state)

	for len(pending) > 0 {
		pick := 0
		for i, id := range pending {
			if t.safeWrite(state, broken, id, changes[id]) {
				pick = i
				break
			}
		}
		id := pending[pick]
		pending = append(pending[:pick], pending[pick+1:]...)
		state[id] = changes[id]
		broken = t.brokenRules(state)
		out = append(out, id)
	}
	return out
}

// safeWrite reports whether setting id to on breaks no rule that is
// currently intact.
func (t *Table) safeWrite(state channel.States, broken []bool, id channel.ID, on bool) bool {
	prev, had := state[id]
	state[id] = on
	defer func() {
		if had {
			state[id] = prev
		} else {
			delete(state, id)
		}
	}()

	for i, r := range t.rules {
		if !broken[i] && r.broken(state) {
			return false
		}
	}
	return true
}

func (t *Table) brokenRules(s channel.States) []bool {
	out := make([]bool, len(t.rules))
	for i, r := range t.rules {
		out[i] = r.broken(s)
	}
	return out
}
