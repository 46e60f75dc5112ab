package bench

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aldcvd/deposition-core/internal/channel"
	"github.com/aldcvd/deposition-core/internal/infrastructure/config"
	"github.com/aldcvd/deposition-core/internal/interlock"
	"github.com/aldcvd/deposition-core/internal/relay"
)

func labelledRelay() config.RelayConfig {
	return config.RelayConfig{
		Driver: "sim",
		Channels: []config.ChannelConfig{
			{ID: 1, Label: "TMA"},
			{ID: 2, Label: "H2O"},
			{ID: 4, Label: "Ar", Default: true, Inverted: true},
		},
	}
}

func TestNewBank(t *testing.T) {
	t.Run("numbered", func(t *testing.T) {
		bank, err := NewBank(config.RelayConfig{Count: 4})
		if err != nil {
			t.Fatalf("NewBank: %v", err)
		}
		if bank.Len() != 4 {
			t.Errorf("Len() = %d, want 4", bank.Len())
		}
	})

	t.Run("explicit channels", func(t *testing.T) {
		bank, err := NewBank(labelledRelay())
		if err != nil {
			t.Fatalf("NewBank: %v", err)
		}
		ar, ok := bank.Get(4)
		if !ok || ar.Label != "Ar" || !ar.Default || !ar.Inverted {
			t.Errorf("channel 4 = %+v", ar)
		}
		if id, err := bank.Resolve("h2o"); err != nil || id != 2 {
			t.Errorf("Resolve(h2o) = %d, %v", id, err)
		}
	})

	t.Run("no channels", func(t *testing.T) {
		if _, err := NewBank(config.RelayConfig{}); !errors.Is(err, channel.ErrInvalidBank) {
			t.Errorf("error = %v, want ErrInvalidBank", err)
		}
	})
}

func TestNewTable(t *testing.T) {
	bank, err := NewBank(labelledRelay())
	if err != nil {
		t.Fatalf("NewBank: %v", err)
	}

	inline := config.InterlockConfig{Rules: []config.RuleConfig{
		{Name: "precursors", Kind: "mutually_exclusive", Channels: []string{"TMA", "H2O"}},
	}}
	table, err := NewTable(inline, bank)
	if err != nil {
		t.Fatalf("NewTable(inline): %v", err)
	}
	if _, err := table.Validate(bank.Defaults(), channel.States{1: true, 2: true}); !errors.Is(err, interlock.ErrInterlockViolation) {
		t.Errorf("Validate both precursors = %v, want violation", err)
	}

	path := filepath.Join(t.TempDir(), "interlocks.yaml")
	rules := "interlocks:\n  - name: tma-needs-carrier\n    kind: requires\n    channels: [TMA, Ar]\n"
	if err := os.WriteFile(path, []byte(rules), 0o600); err != nil {
		t.Fatalf("writing rules: %v", err)
	}
	table, err = NewTable(config.InterlockConfig{File: path}, bank)
	if err != nil {
		t.Fatalf("NewTable(file): %v", err)
	}
	if got := table.Rules(); len(got) != 1 || got[0].Kind != interlock.Requires {
		t.Errorf("Rules() = %+v", got)
	}

	both := config.InterlockConfig{File: path, Rules: inline.Rules}
	if _, err := NewTable(both, bank); !errors.Is(err, interlock.ErrInvalidConfig) {
		t.Errorf("file and rules together = %v, want ErrInvalidConfig", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	doc := "name: dose\nloop_count: 3\nsteps:\n  - duration: 1s\n    open: [TMA, Ar]\n  - duration: 2s\n    open: [Ar]\n"
	if err := os.WriteFile(filepath.Join(dir, "dose.yaml"), []byte(doc), 0o600); err != nil {
		t.Fatalf("writing recipe: %v", err)
	}

	cfg := config.Default()
	cfg.Relay = labelledRelay()
	cfg.Recipes.Dir = dir

	b, _, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r, err := b.Library.Get("dose")
	if err != nil {
		t.Fatalf("Get(dose): %v", err)
	}
	if r.StepCount() != 6 {
		t.Errorf("StepCount() = %d, want 6", r.StepCount())
	}
}

func TestOpenRelay(t *testing.T) {
	cfg := config.Default()
	cfg.Relay = labelledRelay()
	bank, err := NewBank(cfg.Relay)
	if err != nil {
		t.Fatalf("NewBank: %v", err)
	}

	a, err := OpenRelay(cfg, bank, nil)
	if err != nil {
		t.Fatalf("OpenRelay: %v", err)
	}
	defer a.Close() //nolint:errcheck // test cleanup

	ctx := context.Background()
	if _, err := a.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if err := a.SetChannel(ctx, 4, false); err != nil {
		t.Errorf("SetChannel on the highest channel: %v", err)
	}

	cfg.Relay.Driver = "hid"
	if _, err := OpenRelay(cfg, bank, nil); !errors.Is(err, relay.ErrUnsupportedDriver) {
		t.Errorf("hid driver error = %v, want ErrUnsupportedDriver", err)
	}
}
