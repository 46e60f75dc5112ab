package interlock

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aldcvd/deposition-core/internal/channel"
)

var (
	// ErrInvalidConfig is returned when an interlock table cannot be built.
	ErrInvalidConfig = errors.New("interlock: invalid configuration")

	// ErrInterlockViolation is returned when a state vector breaks a rule.
	ErrInterlockViolation = errors.New("interlock: violation")
)

// Breach is one rule broken by a proposed state.
type Breach struct {
	Rule     string       `json:"rule"`
	Kind     Kind         `json:"kind"`
	Channels []channel.ID `json:"channels"`
}

// Violation lists every rule a proposed state breaks.
//
// It wraps ErrInterlockViolation:
//
//	var v *interlock.Violation
//	if errors.As(err, &v) {
//	    for _, b := range v.Breaches { ... }
//	}
type Violation struct {
	Breaches []Breach
}

func (v *Violation) Error() string {
	parts := make([]string, 0, len(v.Breaches))
	for _, b := range v.Breaches {
		ids := make([]string, len(b.Channels))
		for i, id := range b.Channels {
			ids[i] = id.String()
		}
		parts = append(parts, fmt.Sprintf("%s %s{%s}", b.Rule, b.Kind, strings.Join(ids, ",")))
	}
	return fmt.Sprintf("%s: %s", ErrInterlockViolation, strings.Join(parts, "; "))
}

func (v *Violation) Unwrap() error { return ErrInterlockViolation }

// Channels returns the union of channels involved in all breaches.
func (v *Violation) Channels() []channel.ID {
	set := make(channel.States)
	for _, b := range v.Breaches {
		for _, id := range b.Channels {
			set[id] = true
		}
	}
	return set.SortedIDs()
}
