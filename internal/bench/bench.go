// Package bench assembles the domain model of one deposition bench from
// configuration: the channel bank, the interlock table, the recipe library
// and the relay adapter driving the board.
package bench

import (
	"errors"
	"fmt"
	"slices"

	"github.com/aldcvd/deposition-core/internal/channel"
	"github.com/aldcvd/deposition-core/internal/infrastructure/config"
	"github.com/aldcvd/deposition-core/internal/interlock"
	"github.com/aldcvd/deposition-core/internal/recipe"
	"github.com/aldcvd/deposition-core/internal/relay"
)

// Bench is the configured bank, rules and recipes of one bench.
type Bench struct {
	Bank    *channel.Bank
	Table   *interlock.Table
	Library *recipe.Library
}

// Load builds the bench described by cfg. Library warnings (presets or
// files that failed validation) are returned alongside the bench.
func Load(cfg *config.Config) (*Bench, []string, error) {
	bank, err := NewBank(cfg.Relay)
	if err != nil {
		return nil, nil, err
	}
	table, err := NewTable(cfg.Interlocks, bank)
	if err != nil {
		return nil, nil, err
	}
	lib, warnings, err := recipe.NewLibrary(table, cfg.Recipes.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("loading recipe library: %w", err)
	}
	return &Bench{Bank: bank, Table: table, Library: lib}, warnings, nil
}

// NewBank builds the channel bank. Explicit channels win over Count.
func NewBank(cfg config.RelayConfig) (*channel.Bank, error) {
	if len(cfg.Channels) == 0 {
		if cfg.Count < 1 {
			return nil, fmt.Errorf("%w: relay.count must be positive", channel.ErrInvalidBank)
		}
		return channel.Numbered(cfg.Count), nil
	}

	chs := make([]channel.Channel, len(cfg.Channels))
	for i, c := range cfg.Channels {
		chs[i] = channel.Channel{
			ID:       channel.ID(c.ID),
			Label:    c.Label,
			Default:  c.Default,
			Inverted: c.Inverted,
		}
	}
	return channel.NewBank(chs)
}

// NewTable builds the interlock table from inline rules or a rule file.
func NewTable(cfg config.InterlockConfig, bank *channel.Bank) (*interlock.Table, error) {
	if cfg.File != "" {
		if len(cfg.Rules) > 0 {
			return nil, fmt.Errorf("%w: set interlocks.file or interlocks.rules, not both", interlock.ErrInvalidConfig)
		}
		return interlock.LoadTable(cfg.File, bank)
	}

	rules := make([]interlock.Rule, len(cfg.Rules))
	for i, r := range cfg.Rules {
		rules[i] = interlock.Rule{
			Name:     r.Name,
			Kind:     interlock.Kind(r.Kind),
			Channels: r.Channels,
		}
	}
	return interlock.NewTable(bank, rules)
}

// OpenRelay opens the configured driver for bank and wraps it in an
// adapter. Extra options are applied after the configured ones. The
// adapter's mirror is empty until Reconcile.
func OpenRelay(cfg *config.Config, bank *channel.Bank, logger relay.Logger, extra ...relay.Option) (*relay.Adapter, error) {
	ids := bank.IDs()
	if len(ids) == 0 {
		return nil, errors.New("bench: empty channel bank")
	}
	dev, err := relay.Open(relay.DriverConfig{
		Driver:      cfg.Relay.Driver,
		Port:        cfg.Relay.Port,
		Baud:        cfg.Relay.Baud,
		ReadTimeout: cfg.SerialReadTimeout(),
	}, int(slices.Max(ids)))
	if err != nil {
		return nil, fmt.Errorf("opening relay board: %w", err)
	}

	opts := []relay.Option{relay.WithTimeout(cfg.IOTimeout())}
	if logger != nil {
		opts = append(opts, relay.WithLogger(logger))
	}
	return relay.NewAdapter(dev, bank, append(opts, extra...)...), nil
}
