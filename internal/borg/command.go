package borg

import (
	"fmt"
	"strconv"
	"time"

	"github.com/swat-engineering/borg-systemd/internal/config"
)

// ArchiveName is the local start time followed by the host name.
func ArchiveName(now time.Time, hostname string) string {
	return now.Format("2006-01-02_15:04:05") + "_" + hostname
}

// ArchiveLocation points at the archive inside BORG_REPO, or inside whatever
// repository borg picks from its environment when BORG_REPO is not set.
func ArchiveLocation(repo, archive string) string {
	return repo + "::" + archive
}

// CreateArgs builds the arguments of `borg create`. Every BORG_PATH entry is
// a separate positional argument and every BORG_EXCLUDE entry its own
// --exclude option.
func CreateArgs(cfg *config.Config, settings config.Settings, archive string) []string {
	args := []string{"create", "--verbose"}
	if settings.Compression != "" {
		args = append(args, "--compression", settings.Compression)
	}
	args = append(args, lockWait(settings)...)
	for _, e := range cfg.Excludes() {
		args = append(args, "--exclude", e)
	}
	args = append(args, settings.ExtraCreateArgs...)
	args = append(args, ArchiveLocation(cfg.Repo, archive))
	return append(args, cfg.SourcePaths()...)
}

func PruneArgs(settings config.Settings) []string {
	args := []string{"prune", "--verbose", "--list", "--stats"}
	args = append(args, lockWait(settings)...)
	p := settings.Prune
	if p.KeepWithin != "" {
		args = append(args, "--keep-within="+p.KeepWithin)
	}
	for _, keep := range []struct {
		flag  string
		count int
	}{
		{"daily", p.KeepDaily},
		{"weekly", p.KeepWeekly},
		{"monthly", p.KeepMonthly},
	} {
		if keep.count > 0 {
			args = append(args, fmt.Sprintf("--keep-%s=%d", keep.flag, keep.count))
		}
	}
	return args
}

func ListArgs() []string {
	return []string{"list"}
}

func lockWait(settings config.Settings) []string {
	if settings.LockWait <= 0 {
		return nil
	}
	return []string{"--lock-wait", strconv.Itoa(settings.LockWait)}
}
