package borg

import (
	"errors"
	"fmt"
	"strings"
)

// Exit codes for failures that happen before borg produced an exit status.
const (
	ExitConfigError = 78  // EX_CONFIG
	ExitLaunchError = 127 // same as a shell that cannot find the command
	ExitOtherError  = 1
)

type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("loading config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

type LaunchError struct {
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s: %v", e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ChildFailure means borg ran and exited non-zero.
type ChildFailure struct {
	Args []string
	Code int
	Err  error
}

func (e *ChildFailure) Error() string {
	return fmt.Sprintf("borg %s exited with code %d", strings.Join(firstArg(e.Args), " "), e.Code)
}

func (e *ChildFailure) Unwrap() error { return e.Err }

func firstArg(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	return args[:1]
}

// ExitCode maps the outcome of a run onto the status the wrapper exits with.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var child *ChildFailure
	if errors.As(err, &child) {
		return child.Code
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return ExitConfigError
	}
	var launchErr *LaunchError
	if errors.As(err, &launchErr) {
		return ExitLaunchError
	}
	return ExitOtherError
}
