package cli

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	contracts "superpost/contracts/mq"
)

// call runs one request and prints the answer.
func call(cmd *cobra.Command, opts *RootOptions, method, path string, query url.Values, body any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	out, err := newClient(opts).do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), opts.Format, out)
}

func limitValues(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": []string{strconv.Itoa(limit)}}
}

func newImportCommand(opts *RootOptions) *cobra.Command {
	var payload contracts.ImportLettersPayload
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Start a Dispatch execution on the primary region",
		Long: `Publish ImportLetters on the primary region. Without --batch the
region imports its configured documents file.

Examples:
  superpostctl import
  superpostctl import --bucket superpost-bucket --batch week-42.yaml`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, "/imports", nil, payload)
		},
	}
	cmd.Flags().StringVar(&payload.Bucket, "bucket", "", "object store bucket holding the batch")
	cmd.Flags().StringVar(&payload.Batch, "batch", "", "batch object key")
	return cmd
}

func newLetterCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "letter",
		Short: "Inspect mailbox records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:          "get <letter-id>",
		Short:        "Show the mailbox record of a letter",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/letters/"+escape(args[0]), nil, nil)
		},
	})
	return cmd
}

func newExecutionCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"exec"},
		Short:   "Describe, stop or resume workflow executions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:          "describe <execution-id>",
		Short:        "Show the checkpoint of an execution",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/executions/"+escape(args[0]), nil, nil)
		},
	})

	var cause string
	stop := &cobra.Command{
		Use:          "stop <execution-id>",
		Short:        "Stop a running execution",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{}
			if cause != "" {
				body["cause"] = cause
			}
			return call(cmd, opts, http.MethodPost, "/executions/"+escape(args[0])+"/stop", nil, body)
		},
	}
	stop.Flags().StringVar(&cause, "cause", "", "reason recorded on the execution")
	cmd.AddCommand(stop)

	cmd.AddCommand(&cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Resume a failed or stopped execution from its last checkpoint",
		Long: `Resume re-enters the workflow at the state where it stopped. Completed
steps are not repeated.

Examples:
  superpostctl execution resume DispatchLetters:2f4f3c9a`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, "/executions/"+escape(args[0])+"/resume", nil, nil)
		},
	})
	return cmd
}

func newDeadLettersCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "List and replay events that exhausted their delivery retries",
	}
	cmd.PersistentFlags().IntVar(&limit, "limit", 100, "maximum number of entries")

	cmd.AddCommand(&cobra.Command{
		Use:          "list",
		Short:        "List dead letters not yet replayed",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/deadletters", limitValues(limit), nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "replay [dead-letter-id]",
		Short: "Redeliver one dead letter, or all pending ones",
		Long: `Replay sends dead letters back to the rule that dropped them. With no
id every pending entry up to --limit is replayed.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return call(cmd, opts, http.MethodPost, "/deadletters/"+escape(args[0])+"/replay", nil, nil)
			}
			return call(cmd, opts, http.MethodPost, "/deadletters/replay", limitValues(limit), nil)
		},
	})
	return cmd
}

func newScoreboardCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scoreboard",
		Short: "Read reaction counters",
	}
	cmd.AddCommand(&cobra.Command{
		Use:          "get <counter>",
		Short:        "Show the value of a counter",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/scoreboard/"+escape(args[0]), nil, nil)
		},
	})
	return cmd
}

func newOutboxCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Requeue failed cross-region forwards",
	}
	replay := &cobra.Command{
		Use:          "replay [message-id]",
		Short:        "Requeue one failed outbox message, or all of them",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return call(cmd, opts, http.MethodPost, "/outbox/"+escape(args[0])+"/replay", nil, nil)
			}
			return call(cmd, opts, http.MethodPost, "/outbox/replay", limitValues(limit), nil)
		},
	}
	replay.Flags().IntVar(&limit, "limit", 100, "maximum number of messages")
	cmd.AddCommand(replay)
	return cmd
}
