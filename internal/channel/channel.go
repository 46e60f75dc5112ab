// Package channel describes the digital output channels of a relay board.
//
// A Channel is one relay output, addressed by a 1-based ID. A Bank is the
// fixed set of channels exposed by one board, with the safe default state of
// every output. States is a logical ON/OFF vector keyed by channel ID.
//
// Logical state is what the process cares about (gas line open or closed).
// Channels wired through a normally-open contact carry Inverted=true so the
// relay driver can translate logical ON into a de-energised coil.
package channel

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ID identifies a channel on a relay board. Valid IDs start at 1.
type ID int

// String implements fmt.Stringer.
func (id ID) String() string {
	return fmt.Sprintf("ch%d", int(id))
}

// Channel is a single relay output.
type Channel struct {
	ID       ID     `json:"id" yaml:"id"`
	Label    string `json:"label" yaml:"label"`
	Default  bool   `json:"default" yaml:"default"`
	Inverted bool   `json:"inverted,omitempty" yaml:"inverted"`
}

// Name returns the label if set, otherwise the channel ID.
func (c Channel) Name() string {
	if c.Label != "" {
		return c.Label
	}
	return c.ID.String()
}

// Bank is the immutable set of channels of one relay board.
type Bank struct {
	channels []Channel
	byID     map[ID]Channel
	byLabel  map[string]ID
}

// NewBank validates the channel list and builds a Bank.
//
// IDs must be positive and unique. Labels are optional but must be unique
// (case-insensitive) when present.
func NewBank(channels []Channel) (*Bank, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: no channels configured", ErrInvalidBank)
	}

	b := &Bank{
		channels: make([]Channel, 0, len(channels)),
		byID:     make(map[ID]Channel, len(channels)),
		byLabel:  make(map[string]ID, len(channels)),
	}

	for _, ch := range channels {
		if ch.ID < 1 {
			return nil, fmt.Errorf("%w: channel id %d must be >= 1", ErrInvalidBank, ch.ID)
		}
		if _, dup := b.byID[ch.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate channel id %d", ErrInvalidBank, ch.ID)
		}
		ch.Label = strings.TrimSpace(ch.Label)
		if ch.Label != "" {
			key := strings.ToLower(ch.Label)
			if _, dup := b.byLabel[key]; dup {
				return nil, fmt.Errorf("%w: duplicate channel label %q", ErrInvalidBank, ch.Label)
			}
			b.byLabel[key] = ch.ID
		}
		b.byID[ch.ID] = ch
		b.channels = append(b.channels, ch)
	}

	sort.Slice(b.channels, func(i, j int) bool { return b.channels[i].ID < b.channels[j].ID })
	return b, nil
}

// Numbered builds a bank of n unlabelled channels, all defaulting to OFF.
func Numbered(n int) *Bank {
	chs := make([]Channel, n)
	for i := range chs {
		chs[i] = Channel{ID: ID(i + 1)}
	}
	b, err := NewBank(chs)
	if err != nil {
		panic(err) // unreachable for n >= 1
	}
	return b
}

// Len returns the number of channels.
func (b *Bank) Len() int { return len(b.channels) }

// Channels returns a copy of the channel list ordered by ID.
func (b *Bank) Channels() []Channel {
	out := make([]Channel, len(b.channels))
	copy(out, b.channels)
	return out
}

// IDs returns the channel IDs in ascending order.
func (b *Bank) IDs() []ID {
	ids := make([]ID, len(b.channels))
	for i, ch := range b.channels {
		ids[i] = ch.ID
	}
	return ids
}

// Get returns the channel with the given ID.
func (b *Bank) Get(id ID) (Channel, bool) {
	ch, ok := b.byID[id]
	return ch, ok
}

// Has reports whether id belongs to the bank.
func (b *Bank) Has(id ID) bool {
	_, ok := b.byID[id]
	return ok
}

// Resolve maps a reference to a channel ID. The reference may be a channel
// label (case-insensitive) or a decimal ID, optionally prefixed with "ch".
func (b *Bank) Resolve(ref string) (ID, error) {
	ref = strings.TrimSpace(ref)
	if id, ok := b.byLabel[strings.ToLower(ref)]; ok {
		return id, nil
	}

	numeric := strings.TrimPrefix(strings.ToLower(ref), "ch")
	if n, err := strconv.Atoi(numeric); err == nil && b.Has(ID(n)) {
		return ID(n), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, ref)
}

// Label returns the display name of a channel, falling back to its ID.
func (b *Bank) Label(id ID) string {
	if ch, ok := b.byID[id]; ok {
		return ch.Name()
	}
	return id.String()
}

// Defaults returns the safe default state of every channel.
func (b *Bank) Defaults() States {
	s := make(States, len(b.channels))
	for _, ch := range b.channels {
		s[ch.ID] = ch.Default
	}
	return s
}

// AllOff returns a state vector with every channel OFF.
func (b *Bank) AllOff() States {
	s := make(States, len(b.channels))
	for _, ch := range b.channels {
		s[ch.ID] = false
	}
	return s
}

// Check returns ErrUnknownChannel for the first ID in s not in the bank.
func (b *Bank) Check(s States) error {
	for _, id := range s.SortedIDs() {
		if !b.Has(id) {
			return fmt.Errorf("%w: %s", ErrUnknownChannel, id)
		}
	}
	return nil
}
