package recipe

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aldcvd/deposition-core/internal/channel"
	"github.com/aldcvd/deposition-core/internal/interlock"
)

//go:embed presets/*.yaml
var presetFS embed.FS

// Source records where a library recipe came from.
type Source string

const (
	SourcePreset Source = "preset"
	SourceFile   Source = "file"
)

// Summary describes a library entry for listings.
type Summary struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Source        Source `json:"source"`
	LoopCount     int    `json:"loop_count"`
	Steps         int    `json:"steps"`
	TotalDuration string `json:"total_duration"`
	Path          string `json:"path,omitempty"`
}

type entry struct {
	recipe *Recipe
	source Source
	path   string
}

// Library holds named, validated recipes: the built-in presets plus any
// recipe files found in a directory. Files override presets of the same
// name (case-insensitive).
//
// Thread Safety: all methods are safe for concurrent use. Get returns deep
// copies so callers cannot mutate library entries.
type Library struct {
	mu      sync.RWMutex
	table   *interlock.Table
	dir     string
	entries map[string]entry
}

// NewLibrary loads presets and the recipe directory (which may be empty).
//
// Presets that do not validate against the table, for example because the
// bank has no "TEB" channel, are skipped and reported in the returned
// warnings. Invalid recipe files are reported the same way.
func NewLibrary(table *interlock.Table, dir string) (*Library, []string, error) {
	if table == nil {
		return nil, nil, invalidf("nil interlock table")
	}
	l := &Library{table: table, dir: dir}
	warnings, err := l.Reload()
	if err != nil {
		return nil, nil, err
	}
	return l, warnings, nil
}

// Reload re-reads presets and the recipe directory.
func (l *Library) Reload() ([]string, error) {
	entries := make(map[string]entry)
	var warnings []string

	presets, err := fs.Glob(presetFS, "presets/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("listing presets: %w", err)
	}
	for _, p := range presets {
		data, err := presetFS.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading preset %s: %w", p, err)
		}
		r, err := l.parseValid(data, FormatYAML)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("preset %s skipped: %v", path.Base(p), err))
			continue
		}
		entries[key(r.Name)] = entry{recipe: r, source: SourcePreset}
	}

	if l.dir != "" {
		files, err := os.ReadDir(l.dir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading recipe dir: %w", err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			full := filepath.Join(l.dir, f.Name())
			format, err := FormatFromPath(full)
			if err != nil {
				continue
			}
			data, err := os.ReadFile(full) //nolint:gosec // entries of the configured recipe dir
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("%s skipped: %v", f.Name(), err))
				continue
			}
			r, err := l.parseValid(data, format)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("%s skipped: %v", f.Name(), err))
				continue
			}
			entries[key(r.Name)] = entry{recipe: r, source: SourceFile, path: full}
		}
	}

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
	return warnings, nil
}

func (l *Library) parseValid(data []byte, format Format) (*Recipe, error) {
	r, err := Parse(data, format, l.table.Bank())
	if err != nil {
		return nil, err
	}
	if err := r.Validate(l.table); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns a copy of the named recipe.
func (l *Library) Get(name string) (*Recipe, error) {
	l.mu.RLock()
	e, ok := l.entries[key(name)]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRecipeNotFound, name)
	}
	return e.recipe.DeepCopy(), nil
}

// List returns summaries sorted by name.
func (l *Library) List() []Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Summary, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, Summary{
			Name:          e.recipe.Name,
			Description:   e.recipe.Description,
			Source:        e.source,
			LoopCount:     e.recipe.LoopCount,
			Steps:         len(e.recipe.Steps),
			TotalDuration: e.recipe.TotalDuration().String(),
			Path:          e.path,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Presets parses every built-in preset against bank without interlock
// validation. Used by tooling that lists presets before a bench is wired.
func Presets(bank *channel.Bank) ([]*Recipe, error) {
	files, err := fs.Glob(presetFS, "presets/*.yaml")
	if err != nil {
		return nil, err
	}
	out := make([]*Recipe, 0, len(files))
	for _, p := range files {
		data, err := presetFS.ReadFile(p)
		if err != nil {
			return nil, err
		}
		r, err := Parse(data, FormatYAML, bank)
		if err != nil {
			return nil, fmt.Errorf("preset %s: %w", path.Base(p), err)
		}
		out = append(out, r)
	}
	return out, nil
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
