package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/aldcvd/deposition-core/internal/bench"
	"github.com/aldcvd/deposition-core/internal/infrastructure/config"
	"github.com/aldcvd/deposition-core/internal/recipe"
)

const defaultConfigPath = "configs/config.yaml"

// options are the persistent flags shared by every command.
type options struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "depoctl",
		Short: "Operator tool for ALD/CVD deposition benches",
		Long: `depoctl validates and plans deposition recipes against a bench's
channel bank and interlock table, lists the recipe library, and mints
operator tokens for the bench API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultPath := defaultConfigPath
	if env := os.Getenv("DEPOSITION_CONFIG"); env != "" {
		defaultPath = env
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultPath, "bench configuration file")

	root.AddCommand(
		newValidateCmd(opts),
		newPlanCmd(opts),
		newPresetsCmd(opts),
		newTokenCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the bench config. A missing default file falls back to
// the built-in configuration; a missing explicit file is an error.
func (o *options) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return nil, err
}

// loadBench loads the config and assembles the bench from it.
func (o *options) loadBench(cmd *cobra.Command) (*config.Config, *bench.Bench, []string, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	b, warnings, err := bench.Load(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, b, warnings, nil
}

// resolveRecipe loads ref as a recipe file when it exists on disk and
// looks it up in the library otherwise. File recipes are validated here;
// library recipes were validated on load.
func resolveRecipe(b *bench.Bench, ref string) (*recipe.Recipe, error) {
	if _, err := os.Stat(ref); err == nil {
		r, err := recipe.Load(ref, b.Bank)
		if err != nil {
			return nil, err
		}
		if err := r.Validate(b.Table); err != nil {
			return nil, err
		}
		return r, nil
	}
	r, err := b.Library.Get(ref)
	if err != nil {
		return nil, fmt.Errorf("%s is neither a recipe file nor a library recipe: %w", ref, err)
	}
	return r, nil
}
