// Package cli is the taskwarden command line.
//
//	taskwarden run                    start the scheduler node
//	taskwarden validate               check the config file
//	taskwarden job create|list|show|pause|resume|deactivate|unquarantine|fire|set-payload|set-schedule
//	taskwarden exec list              execution history
//	taskwarden dep add|rm|list        job dependencies
//
// Commands other than run open the configured store directly, so they
// work against a running node's sqlite database.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskwarden/internal/app"
	"taskwarden/internal/config"
)

// Version is set at build time with -ldflags "-X taskwarden/internal/cli.Version=...".
var Version = "dev"

type rootOptions struct {
	configPath string
	nodeID     string
	logLevel   string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "taskwarden",
		Short:         "Durable job scheduler with leases, retries and quarantine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "configs/taskwarden.yaml", "config file path (json, yaml or toml)")
	root.PersistentFlags().StringVar(&opts.nodeID, "node", "", "override node.id")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		buildRunCommand(opts),
		buildValidateCommand(opts),
		buildJobCommand(opts),
		buildExecCommand(opts),
		buildDepCommand(opts),
	)
	return root
}

// open builds an App for a one-shot command. Logs stay at warn unless
// --log-level says otherwise.
func (o *rootOptions) open(extra ...app.Option) (*app.App, error) {
	level := o.logLevel
	if level == "" {
		level = "WARN"
	}
	opts := append([]app.Option{app.WithLogLevel(level)}, extra...)
	if o.nodeID != "" {
		opts = append(opts, app.WithNodeID(o.nodeID))
	}
	return app.NewApp(o.configPath, opts...)
}

// withApp runs fn against a freshly opened App and closes it afterwards.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error, extra ...app.Option) error {
	a, err := o.open(extra...)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func buildRunCommand(opts *rootOptions) *cobra.Command {
	var (
		ephemeral bool
		grace     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var extra []app.Option
			if ephemeral {
				extra = append(extra, app.WithEphemeral())
			}
			if opts.nodeID != "" {
				extra = append(extra, app.WithNodeID(opts.nodeID))
			}
			if opts.logLevel != "" {
				extra = append(extra, app.WithLogLevel(opts.logLevel))
			}
			a, err := app.NewApp(opts.configPath, extra...)
			if err != nil {
				return err
			}
			return runApp(cmd.Context(), a, grace)
		},
	}
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "use the in-memory store")
	cmd.Flags().DurationVar(&grace, "shutdown-timeout", 30*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func runApp(parent context.Context, a *app.App, grace time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), grace)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return fmt.Errorf("stopped on fatal error: %w", a.Err())
	}
	return nil
}

func buildValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(opts.configPath).Parse()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				// errors.Join output is one problem per line.
				return fmt.Errorf("%s is invalid:\n%w", opts.configPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", opts.configPath)
			return nil
		},
	}
}

// Execute runs the CLI and maps errors to an exit code.
func Execute() int {
	root := BuildCLI()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return 1
	}
	return 0
}

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }
