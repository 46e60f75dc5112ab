package channel

import (
	"sort"
	"strings"
)

// States maps channel IDs to logical ON (true) / OFF (false).
//
// A partial States lists only the channels a step changes.
type States map[ID]bool

// Clone returns an independent copy. A nil receiver clones to an empty map.
func (s States) Clone() States {
	out := make(States, len(s))
	for id, on := range s {
		out[id] = on
	}
	return out
}

// Merge returns a copy of s with every entry of proposed applied over it.
func (s States) Merge(proposed States) States {
	out := s.Clone()
	for id, on := range proposed {
		out[id] = on
	}
	return out
}

// Diff returns the entries of target that differ from s.
// Channels absent from s are treated as OFF.
func (s States) Diff(target States) States {
	out := make(States)
	for id, on := range target {
		if s[id] != on {
			out[id] = on
		}
	}
	return out
}

// Equal reports whether both vectors hold the same entries.
func (s States) Equal(other States) bool {
	if len(s) != len(other) {
		return false
	}
	for id, on := range s {
		v, ok := other[id]
		if !ok || v != on {
			return false
		}
	}
	return true
}

// SortedIDs returns the keys in ascending order.
func (s States) SortedIDs() []ID {
	ids := make([]ID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// On returns the IDs that are ON, ascending.
func (s States) On() []ID {
	var ids []ID
	for _, id := range s.SortedIDs() {
		if s[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// BreakBeforeMake orders the entries so every OFF transition comes before
// any ON transition, each group in ascending channel order.
func (s States) BreakBeforeMake() []ID {
	ids := s.SortedIDs()
	out := make([]ID, 0, len(ids))
	for _, id := range ids {
		if !s[id] {
			out = append(out, id)
		}
	}
	for _, id := range ids {
		if s[id] {
			out = append(out, id)
		}
	}
	return out
}

// String renders the vector as "ch1=on ch2=off".
func (s States) String() string {
	parts := make([]string, 0, len(s))
	for _, id := range s.SortedIDs() {
		state := "off"
		if s[id] {
			state = "on"
		}
		parts = append(parts, id.String()+"="+state)
	}
	return strings.Join(parts, " ")
}
