package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/swat-engineering/borg-systemd/internal/borg"
	"github.com/swat-engineering/borg-systemd/internal/config"
	"github.com/swat-engineering/borg-systemd/internal/notify"
	"github.com/swat-engineering/borg-systemd/internal/runlog"
)

// same status argparse uses for bad invocations
const exitUsage = 2

const configHelp = `Path to a config file.
Format is tab-delimited with no header.

The following variables should be defined in the config file:
BORG_BASE: working directory for running the backup
BORG_EXCLUDE: paths to exclude (comma separated)
BORG_PASSPHRASE
BORG_PATH: paths to archive (comma separated)
BORG_REMOTE_PATH: borg executable on the remote
BORG_REPO: default repository location
BORG_RSH: use this command instead of ` + "`ssh`" + `
BORG_HOST_ID: use this to fix the ID of the lock file

Optionally BORG_BINARY selects the local borg executable.
Any other variable is passed to borg unchanged.`

type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

type options struct {
	logDir   string
	settings string
	verbose  bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "borg-systemd [--log LOGDIR] config",
		Short: "Wrapper that runs borg create for one repository config",
		Long:  "Wrapper that runs borg create for one repository config.\n\nconfig: " + configHelp,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return &usageError{err}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd.Context(), opts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})

	cmd.Flags().StringVar(&opts.logDir, "log", runlog.DefaultDir, "Path to write logs")
	cmd.Flags().StringVar(&opts.settings, "settings", "", "TOML or YAML file with borg, prune, log and mail settings")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	return cmd
}

func runBackup(ctx context.Context, opts *options, configPath string, stdout, stderr io.Writer) error {
	if opts.verbose {
		log.SetLevel(log.DebugLevel)
	}

	settings, err := config.LoadSettings(opts.settings)
	if err != nil {
		return &borg.ConfigError{Path: opts.settings, Err: err}
	}

	runner := borg.NewRunner(opts.logDir, settings)
	if isTerminal(stdout) {
		runner.Mirror = stdout
	}
	if settings.Mail.Enabled {
		runner.Notifier = notify.NewMailer(settings.Mail)
	}

	summary, err := runner.Invoke(ctx, configPath)
	if summary != nil {
		printSummary(stderr, summary)
	}
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func printSummary(w io.Writer, summary *borg.Summary) {
	if summary.Success() {
		color.New(color.FgGreen).Fprintf(w, "Backup finished, log written to %s\n", summary.LogFile)
		return
	}
	color.New(color.FgRed).Fprintf(w, "Backup failed with exit code %d, see %s\n", summary.ExitCode, summary.LogFile)
}

// execute runs the command line and returns the status to exit with.
func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(context.Background())
	if err == nil {
		return 0
	}

	var usage *usageError
	if errors.As(err, &usage) {
		fmt.Fprintf(stderr, "Error: %v\n\n%s", err, cmd.UsageString())
		return exitUsage
	}
	var child *borg.ChildFailure
	if !errors.As(err, &child) {
		// a failed child was already logged with its run log
		log.WithError(err).Error("backup could not be started")
	}
	return borg.ExitCode(err)
}

func main() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
