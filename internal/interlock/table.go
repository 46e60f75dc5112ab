// Package interlock enforces safety rules over relay channel states.
//
// Two rule kinds are supported:
//
//   - mutually_exclusive: at most one of the listed channels may be ON
//   - requires: [a, b] means a may only be ON while b is ON
//
// A Table is built once from configuration and is immutable afterwards.
// Validate is pure and safe for concurrent use.
package interlock

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aldcvd/deposition-core/internal/channel"
)

// Kind is the type of an interlock rule.
type Kind string

const (
	MutuallyExclusive Kind = "mutually_exclusive"
	Requires          Kind = "requires"
)

// Rule is a single interlock constraint.
//
// Channels are written as references (labels or IDs) in configuration and
// resolved against the bank when the table is built.
type Rule struct {
	Name     string   `json:"name,omitempty" yaml:"name"`
	Kind     Kind     `json:"kind" yaml:"kind"`
	Channels []string `json:"channels" yaml:"channels"`
}

type compiledRule struct {
	name     string
	kind     Kind
	channels []channel.ID
}

// Table is a validated set of interlock rules bound to a channel bank.
type Table struct {
	bank  *channel.Bank
	rules []compiledRule
}

// NewTable resolves and checks the rules against bank.
//
// It returns an error wrapping ErrInvalidConfig when a rule references an
// unknown channel, has the wrong number of channels, when requires edges
// form a cycle, or when the bank's default states break a rule.
func NewTable(bank *channel.Bank, rules []Rule) (*Table, error) {
	if bank == nil {
		return nil, fmt.Errorf("%w: nil channel bank", ErrInvalidConfig)
	}

	t := &Table{bank: bank, rules: make([]compiledRule, 0, len(rules))}
	var errs []string

	for i, r := range rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule[%d]", i)
		}

		ids := make([]channel.ID, 0, len(r.Channels))
		seen := make(map[channel.ID]bool, len(r.Channels))
		for _, ref := range r.Channels {
			id, err := bank.Resolve(ref)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				continue
			}
			if seen[id] {
				errs = append(errs, fmt.Sprintf("%s: channel %s listed twice", name, id))
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}

		switch r.Kind {
		case MutuallyExclusive:
			if len(r.Channels) < 2 {
				errs = append(errs, fmt.Sprintf("%s: mutually_exclusive needs at least 2 channels", name))
			}
		case Requires:
			if len(r.Channels) != 2 {
				errs = append(errs, fmt.Sprintf("%s: requires needs exactly 2 channels", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("%s: unknown kind %q", name, r.Kind))
		}

		t.rules = append(t.rules, compiledRule{name: name, kind: r.Kind, channels: ids})
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}

	if cycle := t.findRequiresCycle(); cycle != nil {
		return nil, fmt.Errorf("%w: requires cycle %s", ErrInvalidConfig, formatCycle(cycle))
	}

	if v := t.check(bank.Defaults()); v != nil {
		return nil, fmt.Errorf("%w: default states break rules: %v", ErrInvalidConfig, v)
	}

	return t, nil
}

// LoadTable reads a YAML rule file.
//
// The file is either a bare list of rules or a mapping with an "interlocks"
// key holding the list.
func LoadTable(path string, bank *channel.Bank) (*Table, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("reading interlock file: %w", err)
	}
	return ParseTable(data, bank)
}

// ParseTable builds a table from YAML bytes.
func ParseTable(data []byte, bank *channel.Bank) (*Table, error) {
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		var wrapped struct {
			Interlocks []Rule `yaml:"interlocks"`
		}
		if err2 := yaml.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("%w: parsing rules: %v", ErrInvalidConfig, err)
		}
		rules = wrapped.Interlocks
	}
	return NewTable(bank, rules)
}

// Bank returns the channel bank the table is bound to.
func (t *Table) Bank() *channel.Bank { return t.bank }

// Rules returns the resolved rules for display.
func (t *Table) Rules() []Breach {
	out := make([]Breach, len(t.rules))
	for i, r := range t.rules {
		out[i] = Breach{Rule: r.name, Kind: r.kind, Channels: append([]channel.ID(nil), r.channels...)}
	}
	return out
}

// Validate merges proposed over current and checks the result against every
// rule. Channels missing from both vectors are treated as OFF.
//
// On success it returns the merged state. On failure it returns a
// *Violation listing all broken rules; the merged state is still returned
// so callers can report it.
func (t *Table) Validate(current, proposed channel.States) (channel.States, error) {
	merged := current.Merge(proposed)
	if err := t.bank.Check(merged); err != nil {
		return merged, err
	}
	if v := t.check(merged); v != nil {
		return merged, v
	}
	return merged, nil
}

func (t *Table) check(s channel.States) *Violation {
	var breaches []Breach
	for _, r := range t.rules {
		if r.broken(s) {
			breaches = append(breaches, Breach{
				Rule:     r.name,
				Kind:     r.kind,
				Channels: append([]channel.ID(nil), r.channels...),
			})
		}
	}
	if len(breaches) == 0 {
		return nil
	}
	return &Violation{Breaches: breaches}
}

func (r compiledRule) broken(s channel.States) bool {
	switch r.kind {
	case MutuallyExclusive:
		on := 0
		for _, id := range r.channels {
			if s[id] {
				on++
			}
		}
		return on > 1
	case Requires:
		return s[r.channels[0]] && !s[r.channels[1]]
	}
	return false
}

// findRequiresCycle returns the channels of a requires cycle, or nil.
func (t *Table) findRequiresCycle() []channel.ID {
	edges := make(map[channel.ID][]channel.ID)
	for _, r := range t.rules {
		if r.kind == Requires {
			edges[r.channels[0]] = append(edges[r.channels[0]], r.channels[1])
		}
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[channel.ID]int)
	var stack []channel.ID
	var cycle []channel.ID

	var visit func(id channel.ID) bool
	visit = func(id channel.ID) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range edges[id] {
			switch color[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						cycle = append(append([]channel.ID(nil), stack[i:]...), next)
						break
					}
				}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range t.bank.IDs() {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func formatCycle(ids []channel.ID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, " -> ")
}
