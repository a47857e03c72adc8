package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pairchat/internal/identity"
)

// newTokenCmd issues development tokens with the server's shared secret.
func newTokenCmd() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage credentials",
	}

	var (
		secret string
		ttl    time.Duration
		save   bool
	)
	issue := &cobra.Command{
		Use:   "issue <user-id>",
		Short: "Issue a token signed with the server secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("PAIRCHAT_AUTH_SECRET")
			}
			verifier, err := identity.NewHMACVerifier(secret, ttl)
			if err != nil {
				return err
			}
			token, err := verifier.Issue(args[0])
			if err != nil {
				return err
			}
			if !save {
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Auth.UserID = args[0]
			cfg.Auth.Token = token
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved token for %s (expires in %s)\n", args[0], ttl)
			return nil
		},
	}
	issue.Flags().StringVar(&secret, "secret", "", "server auth secret (default $PAIRCHAT_AUTH_SECRET)")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	issue.Flags().BoolVar(&save, "save", true, "store the token in the config file")

	tokenCmd.AddCommand(issue)
	return tokenCmd
}
