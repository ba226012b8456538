package command

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"labremote/internal/api"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a bearer token for the admin API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := setup(cmd)
		if err != nil {
			return err
		}
		if err := cfg.ValidateServe(); err != nil {
			return err
		}

		ttl := cfg.TokenTTL
		if tokenTTL > 0 {
			ttl = tokenTTL
		}

		authority, err := api.NewTokenAuthority(cfg.JWTSecret)
		if err != nil {
			return err
		}
		token, err := authority.Issue(tokenSubject, ttl)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "subject claim of the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default TOKEN_TTL)")
	rootCmd.AddCommand(tokenCmd)
}
