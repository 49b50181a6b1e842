// Package cmd implements the canopy CLI: a thin shell over the realtime
// messaging session library in internal/session.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/canopyhq/canopy-cli/internal/api"
	"github.com/canopyhq/canopy-cli/internal/config"
	"github.com/canopyhq/canopy-cli/internal/debug"
	"github.com/canopyhq/canopy-cli/internal/outfmt"
	"github.com/canopyhq/canopy-cli/internal/validation"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// rootFlags holds global CLI flags. Reset at the start of every Execute call
// so tests get clean state.
type rootFlags struct {
	Output string
	JSON   bool
	JQ     string
	Debug  bool
}

var flags rootFlags

// loadCanopyEnv loads environment variables from ~/.canopy/.env if the file
// exists. Variables already set in the environment are not overwritten, so
// explicit exports always take precedence.
func loadCanopyEnv() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	path := filepath.Join(home, ".canopy", ".env")
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

// Execute runs the root command.
func Execute(ctx context.Context, args []string) error {
	loadCanopyEnv()
	flags = rootFlags{Output: os.Getenv("CANOPY_OUTPUT")}

	root := &cobra.Command{
		Use:           "canopy",
		Short:         "CLI for Canopy direct messaging",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			if err := conflictingFlags(cmd.Flags(), "json", "output"); err != nil {
				return err
			}
			if flags.JSON {
				flags.Output = "json"
			}
			mode, err := outfmt.Parse(flags.Output)
			if err != nil {
				return err
			}
			ctx = outfmt.WithMode(ctx, mode)
			ctx = debug.WithDebug(ctx, flags.Debug)
			debug.SetupLogger(flags.Debug)
			cmd.SetContext(ctx)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.Output, "output", "o", flags.Output, "Output format: text, json, jsonl")
	pf.BoolVar(&flags.JSON, "json", false, "Shorthand for --output json")
	pf.StringVar(&flags.JQ, "jq", "", "Filter structured output with a jq expression")
	pf.BoolVar(&flags.Debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		newAuthCmd(),
		newDMCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var validationErr *validation.ValidationError
	switch {
	case errors.Is(err, config.ErrNotConfigured):
		return 4
	case api.IsAuthError(err):
		return 3
	case errors.As(err, &validationErr):
		return 2
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
}

// conflictingFlags errors when more than one of the named flags was set
// explicitly.
func conflictingFlags(fs *pflag.FlagSet, names ...string) error {
	var set []string
	for _, name := range names {
		if f := fs.Lookup(name); f != nil && f.Changed {
			set = append(set, "--"+name)
		}
	}
	if len(set) > 1 {
		return fmt.Errorf("%s cannot be combined", strings.Join(set, " and "))
	}
	return nil
}

// emit writes a structured record in JSON/JSONL mode, applying --jq, or
// calls text() in text mode.
func emit(cmd *cobra.Command, v any, text func() error) error {
	ctx := cmd.Context()
	if !outfmt.IsJSON(ctx) {
		return text()
	}
	out, err := outfmt.ApplyJQ(v, flags.JQ)
	if err != nil {
		return err
	}
	return outfmt.WriteJSON(ctx, cmd.OutOrStdout(), out)
}

// getClient loads the stored account and returns a ready store client.
func getClient() (*api.Client, config.Account, error) {
	acct, err := config.Load()
	if err != nil {
		return nil, acct, err
	}
	client := api.New(acct.BaseURL, acct.APIToken)
	client.UserAgent = "canopy-cli/" + Version
	return client, acct, nil
}

func formatTime(t time.Time) string {
	return t.Local().Format("15:04:05")
}
