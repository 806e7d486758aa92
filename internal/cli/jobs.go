package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taskwarden/internal/app"
	"taskwarden/internal/job"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/scheduler"
)

func buildJobCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(
		buildJobCreateCommand(opts),
		buildJobListCommand(opts),
		buildJobShowCommand(opts),
		buildJobStatusCommand(opts, "pause", "Stop a job from firing", (*scheduler.Service).Pause),
		buildJobStatusCommand(opts, "resume", "Let a paused or inactive job fire again", (*scheduler.Service).Resume),
		buildJobStatusCommand(opts, "deactivate", "Retire a job", (*scheduler.Service).Deactivate),
		buildJobStatusCommand(opts, "unquarantine", "Clear a quarantine and reset the failure counter", (*scheduler.Service).ClearQuarantine),
		buildJobFireCommand(opts),
		buildJobSetPayloadCommand(opts),
		buildJobSetScheduleCommand(opts),
	)
	return cmd
}

// scheduleFlags are shared by create and set-schedule.
type scheduleFlags struct {
	expr       string
	timezone   string
	startAt    string
	endAt      string
	misfire    string
	maxCatchUp int
	disabled   bool
}

func (f *scheduleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.expr, "schedule", "s", "", "cron ('*/5 * * * *', '@hourly'), interval ('55m', '01:30') or at:<RFC3339>")
	cmd.Flags().StringVar(&f.timezone, "tz", "", "IANA timezone for cron schedules")
	cmd.Flags().StringVar(&f.startAt, "start-at", "", "RFC3339 time before which the schedule never fires")
	cmd.Flags().StringVar(&f.endAt, "end-at", "", "RFC3339 time after which the schedule never fires")
	cmd.Flags().StringVar(&f.misfire, "misfire", string(job.MisfireFireNow), "misfire policy: fire_now, skip or fire_and_catch_up")
	cmd.Flags().IntVar(&f.maxCatchUp, "max-catch-up", 0, "cap on replayed occurrences for fire_and_catch_up (0 = default)")
	cmd.Flags().BoolVar(&f.disabled, "disabled", false, "store the schedule disabled")
	_ = cmd.MarkFlagRequired("schedule")
}

func (f *scheduleFlags) spec() (scheduler.ScheduleSpec, error) {
	spec := scheduler.ScheduleSpec{
		Expr:           f.expr,
		Timezone:       f.timezone,
		MisfirePolicy:  job.MisfirePolicy(strings.TrimSpace(f.misfire)),
		MaxCatchUpRuns: f.maxCatchUp,
		Disabled:       f.disabled,
	}
	var err error
	if spec.StartAt, err = parseTimeFlag("start-at", f.startAt); err != nil {
		return spec, err
	}
	if spec.EndAt, err = parseTimeFlag("end-at", f.endAt); err != nil {
		return spec, err
	}
	return spec, nil
}

func parseTimeFlag(name, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &t, nil
}

// readPayload accepts inline JSON, @file or - for stdin.
func readPayload(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	var (
		b   []byte
		err error
	)
	switch {
	case raw == "":
		return nil, nil
	case raw == "-":
		b, err = io.ReadAll(os.Stdin)
	case strings.HasPrefix(raw, "@"):
		b, err = os.ReadFile(strings.TrimPrefix(raw, "@"))
	default:
		b = []byte(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(b) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(b), nil
}

func buildJobCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		spec    scheduler.JobSpec
		typ     string
		payload string
		sf      scheduleFlags
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a job with its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(payload)
			if err != nil {
				return err
			}
			ss, err := sf.spec()
			if err != nil {
				return err
			}
			spec.Name = args[0]
			spec.Type = job.Type(typ)
			spec.Payload = raw
			spec.Schedule = ss
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				j, err := a.Scheduler().CreateJob(ctx, spec)
				if err != nil {
					return err
				}
				s, err := a.Scheduler().GetSchedule(ctx, j.ID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), jobView{Job: j, Schedule: s})
			})
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "", "job type (see registered handlers)")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "payload JSON, @file or - for stdin")
	cmd.Flags().BoolVar(&spec.Inactive, "inactive", false, "create the job inactive")
	cmd.Flags().IntVar(&spec.MaxAttempts, "max-attempts", 0, "attempts per firing (0 = policy default)")
	cmd.Flags().IntVar(&spec.BackoffBaseSeconds, "backoff-base", 0, "retry base delay in seconds (0 = policy default)")
	cmd.Flags().IntVar(&spec.BackoffMaxSeconds, "backoff-max", 0, "retry delay cap in seconds (0 = policy default)")
	cmd.Flags().IntVar(&spec.MaxExecutionSeconds, "max-exec", 0, "handler timeout in seconds (0 = executor default)")
	cmd.Flags().IntVar(&spec.MaxConsecutiveFailures, "max-failures", 0, "dead-lettered firings before quarantine (0 = executor default)")
	_ = cmd.MarkFlagRequired("type")
	sf.register(cmd)
	return cmd
}

func buildJobListCommand(opts *rootOptions) *cobra.Command {
	var (
		f      storage.JobFilter
		status string
		typ    string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Status = job.Status(status)
			f.Type = job.Type(typ)
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				jobs, err := a.Scheduler().ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), jobs)
				}
				return printJobs(cmd.OutOrStdout(), jobs)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&typ, "type", "", "filter by job type")
	cmd.Flags().StringVar(&f.NamePrefix, "prefix", "", "filter by name prefix")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// jobView is the show output.
type jobView struct {
	Job          *job.ScheduledJob `json:"job"`
	Schedule     *job.Schedule     `json:"schedule,omitempty"`
	Dependencies []job.Dependency  `json:"dependencies,omitempty"`
	Executions   []job.Execution   `json:"recent_executions,omitempty"`
}

func buildJobShowCommand(opts *rootOptions) *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "show <job>",
		Short: "Show a job, its schedule, dependencies and recent executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				sched := a.Scheduler()
				j, err := sched.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				v := jobView{Job: j}
				if v.Schedule, err = sched.GetSchedule(ctx, j.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
					return err
				}
				if v.Dependencies, err = sched.ListDependencies(ctx, j.ID); err != nil {
					return err
				}
				if recent > 0 {
					if v.Executions, err = sched.ListExecutions(ctx, j.ID, storage.ExecutionFilter{Limit: recent}); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), v)
			})
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 5, "number of recent executions to include")
	return cmd
}

type statusFunc func(s *scheduler.Service, ctx context.Context, ref string) (*job.ScheduledJob, error)

func buildJobStatusCommand(opts *rootOptions, use, short string, fn statusFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				j, err := fn(a.Scheduler(), ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", j.Name, j.Status)
				return nil
			})
		},
	}
}

func buildJobFireCommand(opts *rootOptions) *cobra.Command {
	var (
		actor   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "fire <job>",
		Short: "Run a job once on this machine, retries included",
		Long: `Run a job once through the executor, bypassing the dependency gate.
Quarantine and the job lease still apply, so a fire never overlaps a run
on another node. The command waits for the last attempt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = os.Getenv("USER")
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				j, err := a.Scheduler().GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				results := a.Engine().RunFiring(ctx, a.Scheduler().OperatorFiring(j.ID, actor))
				printResults(cmd.OutOrStdout(), j.Name, results)
				if len(results) == 0 {
					return errors.New("no attempt ran")
				}
				last := results[len(results)-1]
				if last.Status != job.ExecSucceeded {
					return exitError{code: 2, err: fmt.Errorf("job %s did not succeed: %s", j.Name, describeResult(last))}
				}
				return nil
			}, app.WithFreshNodeID())
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "operator name recorded in triggered_by (default $USER)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long (0 = no limit)")
	return cmd
}

func buildJobSetPayloadCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-payload <job> <json|@file|->",
		Short: "Replace a job's payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(args[1])
			if err != nil {
				return err
			}
			if raw == nil {
				return errors.New("payload is empty")
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				j, err := a.Scheduler().UpdatePayload(ctx, args[0], raw)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), j)
			})
		},
	}
}

func buildJobSetScheduleCommand(opts *rootOptions) *cobra.Command {
	var sf scheduleFlags
	cmd := &cobra.Command{
		Use:   "set-schedule <job>",
		Short: "Replace a job's schedule and recompute its next run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := sf.spec()
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				s, err := a.Scheduler().UpdateSchedule(ctx, args[0], spec)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			})
		},
	}
	sf.register(cmd)
	return cmd
}
