package borg

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/swat-engineering/borg-systemd/internal/config"
	"github.com/swat-engineering/borg-systemd/internal/runlog"
	"github.com/swat-engineering/borg-systemd/internal/streams"
)

type Phase int

const (
	PhaseInit Phase = iota
	PhaseConfigLoaded
	PhaseEnvironmentPrepared
	PhaseRunning
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseConfigLoaded:
		return "config-loaded"
	case PhaseEnvironmentPrepared:
		return "environment-prepared"
	case PhaseRunning:
		return "running"
	case PhaseCompleted:
		return "completed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Summary describes a finished invocation.
type Summary struct {
	Started  time.Time
	Finished time.Time
	LogFile  string
	ExitCode int
	Err      error
}

func (s Summary) Success() bool { return s.Err == nil }

type Notifier interface {
	Notify(ctx context.Context, summary Summary) error
}

// Runner performs a single backup invocation. The zero value is not usable,
// build one with NewRunner.
type Runner struct {
	LogDir   string
	Settings config.Settings
	// Mirror additionally receives borg's output, nil to only write the log.
	Mirror   io.Writer
	Notifier Notifier

	Logger   *log.Logger
	Now      func() time.Time
	Hostname func() (string, error)
	Environ  func() []string
}

func NewRunner(logDir string, settings config.Settings) *Runner {
	return &Runner{
		LogDir:   logDir,
		Settings: settings,
		Logger:   log.StandardLogger(),
		Now:      time.Now,
		Hostname: os.Hostname,
		Environ:  os.Environ,
	}
}

// Invoke loads the repository config at configPath and runs borg once.
// The returned summary is nil when the run log could not be created.
func (r *Runner) Invoke(ctx context.Context, configPath string) (*Summary, error) {
	myLog := r.Logger.WithField("config", configPath)
	myLog.WithField("phase", PhaseInit).Debug("Reading repository config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &ConfigError{Path: configPath, Err: err}
	}
	myLog.WithFields(log.Fields{
		"phase": PhaseConfigLoaded,
		"keys":  len(cfg.Keys()),
	}).Info("Loaded configuration")

	env := Environ(r.Environ(), cfg)
	binary := cfg.Binary
	if binary == "" {
		binary = r.Settings.Binary
	}
	if binary == "" {
		binary = "borg"
	}
	binary, err = ResolveBinary(binary)
	if err != nil {
		return nil, err
	}
	myLog.WithFields(log.Fields{
		"phase":  PhaseEnvironmentPrepared,
		"binary": binary,
	}).Debug("Prepared borg environment")

	started := r.Now()
	logFile, err := runlog.Open(r.LogDir, started)
	if err != nil {
		return nil, &LaunchError{Binary: binary, Err: err}
	}
	defer logFile.Close()

	fileOutput := streams.NewSyncWriter(logFile)
	runLogger := r.runLogger(fileOutput)
	myLog = runLogger.WithFields(log.Fields{
		"config": configPath,
		"log":    logFile.Name(),
	})

	summary := &Summary{Started: started, LogFile: logFile.Name()}
	err = r.execute(ctx, cfg, binary, env, fileOutput, myLog)
	summary.Finished = r.Now()
	summary.ExitCode = ExitCode(err)
	summary.Err = err

	completed := myLog.WithFields(log.Fields{
		"phase":    PhaseCompleted,
		"exitCode": summary.ExitCode,
		"duration": summary.Finished.Sub(started).Round(time.Second).String(),
	})
	if err != nil {
		completed.WithError(err).Error("Backup failed")
	} else {
		completed.Info("Backup finished")
	}

	if err := runlog.Tidy(r.LogDir, logFile.Name(), r.Settings.Log.Keep, r.Settings.Log.Compress); err != nil {
		myLog.WithError(err).Warn("Could not tidy old run logs")
	}

	if r.Notifier != nil {
		if err := r.Notifier.Notify(ctx, *summary); err != nil {
			myLog.WithError(err).Error("Could not send result notification")
		}
	}
	return summary, err
}

func (r *Runner) execute(ctx context.Context, cfg *config.Config, binary string, env []string, fileOutput io.Writer, myLog *log.Entry) error {
	output := fileOutput
	if r.Mirror != nil {
		output = io.MultiWriter(fileOutput, streams.NewSyncWriter(r.Mirror))
	}

	b := BuildBorg(binary, cfg.Base, env, output, myLog)

	hostname, err := r.Hostname()
	if err != nil {
		myLog.WithError(err).Warn("Could not determine host name for the archive")
		hostname = "unknown"
	}
	createArgs := CreateArgs(cfg, r.Settings, ArchiveName(r.Now(), hostname))

	myLog.WithField("phase", PhaseRunning).Info("Starting backup")
	myLog.WithField("args", createArgs).Debug("borg create")
	if err := b.Exec(ctx, createArgs...); err != nil {
		return err
	}

	if r.Settings.Prune.Enabled {
		myLog.Info("Starting prune")
		if err := b.Exec(ctx, PruneArgs(r.Settings)...); err != nil {
			return err
		}
	}

	if r.Settings.List {
		myLog.Info("Listing current backups")
		if err := b.Exec(ctx, ListArgs()...); err != nil {
			return err
		}
	}
	return nil
}

// runLogger writes to the wrapper's log and into the run log file.
func (r *Runner) runLogger(file io.Writer) *log.Logger {
	logger := log.New()
	logger.SetLevel(r.Logger.GetLevel())
	logger.SetOutput(io.MultiWriter(r.Logger.Out, file))
	logger.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		DisableColors: true,
	})
	return logger
}
