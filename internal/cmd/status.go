package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show account and realtime feed status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, acct, err := getClient()
			if err != nil {
				return err
			}
			profile, err := client.Profile(cmd.Context())
			if err != nil {
				return err
			}
			feedKind := "pulse"
			if acct.RedisAddr != "" {
				feedKind = "redis"
			}
			return emit(cmd, map[string]any{
				"kind":     "status",
				"base_url": acct.BaseURL,
				"user_id":  profile.ID,
				"name":     profile.Name,
				"feed":     feedKind,
			}, func() error {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Server:  %s\n", acct.BaseURL)
				fmt.Fprintf(out, "Account: %s (%s)\n", profile.Name, profile.ID)
				fmt.Fprintf(out, "Feed:    %s\n", feedKind)
				return nil
			})
		},
	}
}
