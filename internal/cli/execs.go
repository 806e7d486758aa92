package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"taskwarden/internal/app"
	"taskwarden/internal/job"
	"taskwarden/internal/storage"
)

func buildExecCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Inspect execution history",
	}
	cmd.AddCommand(buildExecListCommand(opts))
	return cmd
}

func buildExecListCommand(opts *rootOptions) *cobra.Command {
	var (
		f      storage.ExecutionFilter
		ref    string
		status string
		since  time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Status = job.ExecutionStatus(status)
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				execs, err := a.Scheduler().ListExecutions(ctx, ref, f)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), execs)
				}
				return printExecutions(cmd.OutOrStdout(), execs)
			})
		},
	}
	cmd.Flags().StringVar(&ref, "job", "", "job id or name")
	cmd.Flags().StringVar(&status, "status", "", "filter by execution status")
	cmd.Flags().StringVar(&f.FiringID, "firing", "", "filter by firing id")
	cmd.Flags().StringVar(&f.NodeID, "node-id", "", "filter by executing node")
	cmd.Flags().DurationVar(&since, "since", 0, "only executions started within this window")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func buildDepCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dep",
		Short: "Manage job dependencies",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <job> <depends-on>",
			Short: "Make a job wait for another job's last run to succeed",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
					d, err := a.Scheduler().AddDependency(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), d)
				})
			},
		},
		&cobra.Command{
			Use:   "rm <job> <depends-on>",
			Short: "Remove a dependency edge",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
					return a.Scheduler().RemoveDependency(ctx, args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "list [job]",
			Short: "List the edges of a job, or all edges",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ref := ""
				if len(args) == 1 {
					ref = args[0]
				}
				return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
					deps, err := a.Scheduler().ListDependencies(ctx, ref)
					if err != nil {
						return err
					}
					return printDependencies(cmd.OutOrStdout(), deps)
				})
			},
		},
	)
	return cmd
}
