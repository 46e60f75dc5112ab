package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aldcvd/deposition-core/internal/auth"
)

func newTokenCmd(opts *options) *cobra.Command {
	var (
		role     string
		ttl      time.Duration
		anyBench bool
	)

	cmd := &cobra.Command{
		Use:   "token <operator>",
		Short: "Mint an API bearer token",
		Long: `Signs a token with security.jwt.secret from the bench configuration.
Tokens are bound to the configured bench ID unless --any-bench is given.
Viewers may read run state; operators may also start, pause, resume, abort
and acknowledge runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Security.JWT.Secret == "" {
				return fmt.Errorf("security.jwt.secret is not set in %s", opts.configPath)
			}

			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.TokenTTL()
			}
			bench := cfg.Bench.ID
			if anyBench {
				bench = ""
			}

			token, err := auth.GenerateToken(args[0], auth.Role(role), bench, cfg.Security.JWT.Secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", string(auth.RoleOperator), "token role (viewer or operator)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime (default security.jwt.access_token_ttl)")
	cmd.Flags().BoolVar(&anyBench, "any-bench", false, "accept the token on every bench sharing the secret")
	return cmd
}
