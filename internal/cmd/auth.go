package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/canopyhq/canopy-cli/internal/api"
	"github.com/canopyhq/canopy-cli/internal/config"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage Canopy credentials",
	}
	cmd.AddCommand(newAuthLoginCmd(), newAuthStatusCmd(), newAuthLogoutCmd())
	return cmd
}

func newAuthLoginCmd() *cobra.Command {
	var (
		baseURL   string
		token     string
		redisAddr string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store credentials and verify them against the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
			if baseURL == "" {
				return fmt.Errorf("--url is required")
			}
			if strings.TrimSpace(token) == "" {
				return fmt.Errorf("--token is required")
			}

			// Verify before storing so a typo'd token is caught here,
			// not on first use.
			client := api.New(baseURL, token)
			profile, err := client.Profile(cmd.Context())
			if err != nil {
				return fmt.Errorf("credential check failed: %w", err)
			}

			acct := config.Account{
				BaseURL:   baseURL,
				APIToken:  token,
				UserID:    profile.ID,
				RedisAddr: strings.TrimSpace(redisAddr),
			}
			if err := config.Save(acct); err != nil {
				return err
			}

			return emit(cmd, map[string]any{
				"kind":    "auth.login",
				"user_id": profile.ID,
				"name":    profile.Name,
			}, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", profile.Name, profile.ID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "Canopy server base URL")
	cmd.Flags().StringVar(&token, "token", "", "API token")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address for self-hosted realtime feed (default: hosted Pulse)")
	return cmd
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the configured account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, acct, err := getClient()
			if err != nil {
				return err
			}
			profile, err := client.Profile(cmd.Context())
			if err != nil {
				return fmt.Errorf("stored credentials rejected: %w", err)
			}
			feedKind := "pulse"
			if acct.RedisAddr != "" {
				feedKind = "redis"
			}
			return emit(cmd, map[string]any{
				"kind":    "auth.status",
				"url":     acct.BaseURL,
				"user_id": profile.ID,
				"name":    profile.Name,
				"feed":    feedKind,
			}, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s on %s (feed: %s)\n", profile.Name, acct.BaseURL, feedKind)
				return err
			})
		},
	}
}

func newAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Clear(); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return err
		},
	}
}
