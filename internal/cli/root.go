// Package cli is superpostctl, the operator client of a region's ops API.
package cli

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"superpost/pkg/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	Timeout time.Duration
	Format  string // "json" | "text"

	// HTTPClient is used when set; tests inject one.
	HTTPClient *http.Client
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for superpostctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "superpostctl",
		Short: "Operate a SuperPost region",
		Long: `superpostctl talks to the ops API of one SuperPost region.

Examples:
  superpostctl import --bucket superpost-bucket --batch superpost-documents.json
  superpostctl letter get 4c0b5e1e-0d2f-5d8e-9d1a-2f4f3c9a8b7d
  superpostctl execution resume DispatchLetters:2f4f3c9a
  superpostctl --server http://secondary:8080 scoreboard get hearts`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", config.GetEnv("SUPERPOST_SERVER", "http://localhost:8080"), "region ops API base URL")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newImportCommand(opts))
	cmd.AddCommand(newLetterCommand(opts))
	cmd.AddCommand(newExecutionCommand(opts))
	cmd.AddCommand(newDeadLettersCommand(opts))
	cmd.AddCommand(newScoreboardCommand(opts))
	cmd.AddCommand(newOutboxCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
