package recipe

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aldcvd/deposition-core/internal/channel"
)

// Format is a recipe file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Document is the on-disk form of a recipe.
//
// Durations are Go duration strings ("5s", "250ms") or plain numbers of
// seconds. Targets map channel references (label or ID) to on/off values.
// Open is a shorthand listing the channels that are ON; every other channel
// of the bank is OFF. A step uses either Targets or Open, not both.
// LoopCount defaults to 1 only when the field is absent.
type Document struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	LoopCount   *int           `json:"loop_count,omitempty" yaml:"loop_count,omitempty"`
	Setup       *StepDocument  `json:"setup,omitempty" yaml:"setup,omitempty"`
	Steps       []StepDocument `json:"steps" yaml:"steps"`
	Teardown    *StepDocument  `json:"teardown,omitempty" yaml:"teardown,omitempty"`
}

// StepDocument is the on-disk form of a step.
type StepDocument struct {
	Label    string         `json:"label,omitempty" yaml:"label,omitempty"`
	Duration any            `json:"duration" yaml:"duration"`
	Targets  map[string]any `json:"targets,omitempty" yaml:"targets,omitempty"`
	Open     []string       `json:"open,omitempty" yaml:"open,omitempty"`
}

// FormatFromPath picks the encoding from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", invalidf("unsupported file extension %q", filepath.Ext(path))
	}
}

// Load reads and resolves a recipe file. The result is not yet validated
// against an interlock table.
func Load(path string, bank *channel.Bank) (*Recipe, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied recipe path
	if err != nil {
		return nil, fmt.Errorf("reading recipe: %w", err)
	}
	return Parse(data, format, bank)
}

// Parse decodes recipe bytes and resolves channel references.
func Parse(data []byte, format Format, bank *channel.Bank) (*Recipe, error) {
	var doc Document
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, invalidf("parsing yaml: %v", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, invalidf("parsing json: %v", err)
		}
	default:
		return nil, invalidf("unsupported format %q", format)
	}
	return doc.Resolve(bank)
}

// Resolve converts a document into a Recipe bound to bank.
func (d Document) Resolve(bank *channel.Bank) (*Recipe, error) {
	if bank == nil {
		return nil, invalidf("nil channel bank")
	}

	r := &Recipe{
		Name:        strings.TrimSpace(d.Name),
		Description: d.Description,
		LoopCount:   1,
		Steps:       make([]Step, 0, len(d.Steps)),
	}
	if d.LoopCount != nil {
		r.LoopCount = *d.LoopCount
	}

	if d.Setup != nil {
		s, err := d.Setup.resolve(bank)
		if err != nil {
			return nil, &StepError{Phase: PhaseSetup, Label: d.Setup.Label, Err: err}
		}
		r.Setup = &s
	}
	for i, sd := range d.Steps {
		s, err := sd.resolve(bank)
		if err != nil {
			return nil, &StepError{Phase: PhaseCycle, Index: i, Label: sd.Label, Err: err}
		}
		r.Steps = append(r.Steps, s)
	}
	if d.Teardown != nil {
		s, err := d.Teardown.resolve(bank)
		if err != nil {
			return nil, &StepError{Phase: PhaseTeardown, Label: d.Teardown.Label, Err: err}
		}
		r.Teardown = &s
	}
	return r, nil
}

func (sd StepDocument) resolve(bank *channel.Bank) (Step, error) {
	d, err := parseDuration(sd.Duration)
	if err != nil {
		return Step{}, err
	}

	if len(sd.Targets) > 0 && len(sd.Open) > 0 {
		return Step{}, fmt.Errorf("step sets both targets and open")
	}

	targets := make(channel.States, len(sd.Targets))
	if sd.Open != nil {
		targets = bank.AllOff()
		for _, ref := range sd.Open {
			id, err := bank.Resolve(ref)
			if err != nil {
				return Step{}, err
			}
			targets[id] = true
		}
	}
	for ref, raw := range sd.Targets {
		id, err := bank.Resolve(ref)
		if err != nil {
			return Step{}, err
		}
		on, err := parseState(raw)
		if err != nil {
			return Step{}, fmt.Errorf("channel %s: %w", ref, err)
		}
		if prev, dup := targets[id]; dup && prev != on {
			return Step{}, fmt.Errorf("channel %s given conflicting targets", id)
		}
		targets[id] = on
	}

	return Step{Label: strings.TrimSpace(sd.Label), Duration: d, Targets: targets}, nil
}

func parseDuration(v any) (time.Duration, error) {
	switch x := v.(type) {
	case nil:
		return 0, fmt.Errorf("missing duration")
	case string:
		s := strings.TrimSpace(x)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return secondsToDuration(f)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", x)
		}
		return d, nil
	case int:
		return secondsToDuration(float64(x))
	case int64:
		return secondsToDuration(float64(x))
	case uint64:
		return secondsToDuration(float64(x))
	case float64:
		return secondsToDuration(x)
	default:
		return 0, fmt.Errorf("invalid duration %v", v)
	}
}

func secondsToDuration(s float64) (time.Duration, error) {
	if math.IsNaN(s) || math.IsInf(s, 0) || s > math.MaxInt64/float64(time.Second) {
		return 0, fmt.Errorf("duration %v out of range", s)
	}
	return time.Duration(math.Round(s * float64(time.Second))), nil
}

func parseState(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int:
		return onOffNumber(float64(x))
	case float64:
		return onOffNumber(x)
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "on", "true", "open", "1":
			return true, nil
		case "off", "false", "closed", "0":
			return false, nil
		}
	}
	return false, fmt.Errorf("invalid state %v", v)
}

func onOffNumber(f float64) (bool, error) {
	switch f {
	case 1:
		return true, nil
	case 0:
		return false, nil
	}
	return false, fmt.Errorf("invalid state %v", f)
}

// Document renders the recipe back to its file form, naming channels by
// their bank labels.
func (r *Recipe) Document(bank *channel.Bank) Document {
	loops := r.LoopCount
	doc := Document{
		Name:        r.Name,
		Description: r.Description,
		LoopCount:   &loops,
		Steps:       make([]StepDocument, len(r.Steps)),
	}
	for i, s := range r.Steps {
		doc.Steps[i] = stepDocument(s, bank)
	}
	if r.Setup != nil {
		sd := stepDocument(*r.Setup, bank)
		doc.Setup = &sd
	}
	if r.Teardown != nil {
		sd := stepDocument(*r.Teardown, bank)
		doc.Teardown = &sd
	}
	return doc
}

func stepDocument(s Step, bank *channel.Bank) StepDocument {
	targets := make(map[string]any, len(s.Targets))
	for id, on := range s.Targets {
		targets[bank.Label(id)] = on
	}
	return StepDocument{Label: s.Label, Duration: s.Duration.String(), Targets: targets}
}
