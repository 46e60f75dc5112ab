package recipe

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aldcvd/deposition-core/internal/channel"
	"github.com/aldcvd/deposition-core/internal/interlock"
)

func TestPresetsValidate(t *testing.T) {
	table := benchTable(t)

	presets, err := Presets(table.Bank())
	if err != nil {
		t.Fatalf("Presets: %v", err)
	}
	if len(presets) < 5 {
		t.Fatalf("got %d presets, want at least 5", len(presets))
	}
	for _, p := range presets {
		t.Run(p.Name, func(t *testing.T) {
			if err := p.Validate(table); err != nil {
				t.Errorf("Validate: %v", err)
			}
		})
	}
}

func TestPresetALDDuration(t *testing.T) {
	table := benchTable(t)
	lib, warnings, err := NewLibrary(table, "")
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}

	ald, err := lib.Get("ald")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// 10s setup + 100 x (1+40+10+40)s + 10s teardown
	if got, want := ald.TotalDuration(), 9120*time.Second; got != want {
		t.Errorf("TotalDuration() = %s, want %s", got, want)
	}
}

func TestLibraryDirOverridesPreset(t *testing.T) {
	table := benchTable(t)
	dir := t.TempDir()

	files := map[string]string{
		"purge.yaml":  "name: Purge\nloop_count: 1\nsteps:\n  - duration: 5s\n    open: [Ar]\n",
		"custom.json": `{"name":"Custom","steps":[{"duration":"1s","open":["H2"]}]}`,
		"broken.yaml": "name: Broken\nsteps:\n  - duration: 1s\n    open: [TEB, H2, Ar]\n",
		"notes.txt":   "ignored",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	lib, warnings, err := NewLibrary(table, dir)
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	if len(warnings) != 1 {
		t.Errorf("warnings = %v, want one for broken.yaml", warnings)
	}

	purge, err := lib.Get("Purge")
	if err != nil {
		t.Fatalf("Get(Purge): %v", err)
	}
	if purge.TotalDuration() != 5*time.Second {
		t.Errorf("file recipe did not override preset: %s", purge.TotalDuration())
	}

	if _, err := lib.Get("custom"); err != nil {
		t.Errorf("Get(custom): %v", err)
	}
	if _, err := lib.Get("Broken"); !errors.Is(err, ErrRecipeNotFound) {
		t.Errorf("Get(Broken) error = %v, want ErrRecipeNotFound", err)
	}

	var sawFile bool
	for _, s := range lib.List() {
		if s.Name == "Purge" && s.Source == SourceFile {
			sawFile = true
		}
	}
	if !sawFile {
		t.Error("List() does not report Purge as a file recipe")
	}
}

func TestLibraryGetReturnsCopy(t *testing.T) {
	lib, _, err := NewLibrary(benchTable(t), "")
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	a, _ := lib.Get("ALD")
	a.Steps[0].Duration = time.Hour
	b, _ := lib.Get("ALD")
	if b.Steps[0].Duration == time.Hour {
		t.Error("Get returned a shared recipe")
	}
}

func TestLibrarySkipsPresetsForForeignBank(t *testing.T) {
	table, err := interlock.NewTable(channel.Numbered(2), nil)
	if err != nil {
		t.Fatal(err)
	}
	lib, warnings, err := NewLibrary(table, filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	if len(lib.List()) != 0 {
		t.Errorf("List() = %v, want empty", lib.List())
	}
	if len(warnings) == 0 {
		t.Error("expected warnings for unresolvable presets")
	}
}
