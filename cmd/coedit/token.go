package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coedit-dev/coedit/pkg/auth"
)

func tokenCmd() *cobra.Command {
	var secret string

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a signed connection token",
		Long: `Mint a signed token for a user id, for servers started with
--auth-secret. Clients present the token as a Bearer credential or a
"token" query parameter.

Example:
  coedit token alice --secret=$COEDIT_SECRET`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("a signing secret is required (--secret or COEDIT_AUTH_SECRET)")
			}
			verifier := auth.NewHMACVerifier([]byte(secret))
			fmt.Println(verifier.Sign(args[0]))
			return nil
		},
	}

	cmd.Flags().StringVarP(&secret, "secret", "s", os.Getenv("COEDIT_AUTH_SECRET"), "HMAC signing secret")

	return cmd
}
