package borg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/swat-engineering/borg-systemd/internal/streams"
)

// Borg runs borg subcommands for one repository config.
type Borg struct {
	binary string
	dir    string
	env    []string
	output io.Writer
	log    log.FieldLogger

	// how long output may stay open after the context is done
	waitDelay time.Duration
}

const defaultWaitDelay = 10 * time.Second

// ResolveBinary finds the borg executable on PATH, or checks it directly
// when binary contains a slash.
func ResolveBinary(binary string) (string, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", &LaunchError{Binary: binary, Err: err}
	}
	return path, nil
}

func BuildBorg(binary, dir string, env []string, output io.Writer, logger log.FieldLogger) *Borg {
	return &Borg{
		binary:    binary,
		dir:       dir,
		env:       env,
		output:    output,
		log:       logger,
		waitDelay: defaultWaitDelay,
	}
}

// Exec runs borg with args and streams its stdout and stderr into the output
// writer while it runs.
func (b *Borg) Exec(ctx context.Context, args ...string) error {
	borgCommand := exec.CommandContext(ctx, b.binary, args...) // #nosec G204
	borgCommand.Dir = b.dir
	borgCommand.Env = b.env
	borgCommand.WaitDelay = b.waitDelay

	pipes, err := streams.OpenPipes(borgCommand)
	if err != nil {
		return &LaunchError{Binary: b.binary, Err: err}
	}

	if _, err := b.output.Write([]byte("local> " + filepath.Base(b.binary) + " " + strings.Join(args, " ") + "\n")); err != nil {
		b.log.WithError(err).Error("Could not write to output log")
	}

	if err := borgCommand.Start(); err != nil {
		pipes.Close()
		return &LaunchError{Binary: b.binary, Err: err}
	}
	b.log.WithField("pid", borgCommand.Process.Pid).Debug("Started borg")

	drainErr := b.drain(ctx, pipes)
	err = borgCommand.Wait()
	if drainErr != nil {
		b.log.WithError(drainErr).Warn("Output of borg might be incomplete")
	}

	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return &ChildFailure{Args: args, Code: exitCode(exitError), Err: err}
	}
	if err != nil {
		return fmt.Errorf("waiting for borg: %w", err)
	}
	return nil
}

// drain streams the output until EOF. Once ctx is done a grandchild holding
// the pipes open gets waitDelay before the pipes are closed under it.
func (b *Borg) drain(ctx context.Context, pipes *streams.Pipes) error {
	drained := make(chan error, 1)
	go func() { drained <- pipes.Drain(b.output) }()

	select {
	case err := <-drained:
		return err
	case <-ctx.Done():
	}

	timer := time.NewTimer(b.waitDelay)
	defer timer.Stop()
	select {
	case err := <-drained:
		return err
	case <-timer.C:
		b.log.Warn("borg output still open after cancellation, closing it")
		pipes.Close()
		return <-drained
	}
}

func exitCode(err *exec.ExitError) int {
	if status, ok := err.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	if code := err.ExitCode(); code > 0 {
		return code
	}
	return ExitOtherError
}
