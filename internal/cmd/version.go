package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/canopyhq/canopy-cli/internal/update"
)

func newVersionCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := map[string]any{
				"kind":    "version",
				"version": Version,
			}
			var res *update.CheckResult
			if check {
				res = update.CheckForUpdate(cmd.Context(), Version)
				if res != nil {
					out["latest_version"] = res.LatestVersion
					out["update_available"] = res.UpdateAvailable
					if res.UpdateAvailable {
						out["update_url"] = res.UpdateURL
					}
				}
			}
			return emit(cmd, out, func() error {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "canopy %s\n", Version)
				if res != nil && res.UpdateAvailable {
					fmt.Fprintf(w, "update available: %s (%s)\n", res.LatestVersion, res.UpdateURL)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Check for a newer release")
	return cmd
}
