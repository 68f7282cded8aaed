package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/ticketdesk/internal/types"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd)

	tokenIssueCmd.Flags().String("user", "", "user id to put in the token subject (required)")
	tokenIssueCmd.Flags().Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = tokenIssueCmd.MarkFlagRequired("user")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API bearer tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a bearer token for a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		authn, err := newAuthenticator(loadConfig())
		if err != nil {
			return fmt.Errorf("create authenticator: %w", err)
		}
		token, err := authn.Issue(types.UserID(user), ttl)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Fprintln(os.Stdout, token)
		if ttl > 0 {
			fmt.Fprintf(os.Stderr, "Expires %s.\n", time.Now().Add(ttl).Format(time.RFC3339))
		}
		return nil
	},
}
