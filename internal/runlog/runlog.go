package runlog

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultDir = "/var/log/borg"

	prefix     = "borg_"
	suffix     = ".log"
	timeLayout = "2006-01-02T15-04-05"
)

// Open creates a fresh log file for a run started at now.
func Open(dir string, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	base := prefix + now.Format(timeLayout)
	name := filepath.Join(dir, base+suffix)
	for i := 1; ; i++ {
		f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrExist) || i > 100 {
			return nil, fmt.Errorf("creating log file: %w", err)
		}
		name = filepath.Join(dir, fmt.Sprintf("%s-%d%s", base, i, suffix))
	}
}

// Tidy compresses earlier run logs and removes the oldest ones beyond keep.
// The log of the current run is never touched.
func Tidy(dir, current string, keep int, compress bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing log directory: %w", err)
	}

	var logs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		if !strings.HasSuffix(name, suffix) && !strings.HasSuffix(name, suffix+".gz") {
			continue
		}
		if filepath.Join(dir, name) == filepath.Clean(current) {
			continue
		}
		logs = append(logs, name)
	}
	sort.Slice(logs, func(i, j int) bool {
		ti, ni := runOrder(logs[i])
		tj, nj := runOrder(logs[j])
		if ti != tj {
			return ti < tj
		}
		return ni < nj
	})

	if keep > 0 {
		// the current run counts towards keep
		excess := len(logs) + 1 - keep
		for i := 0; i < excess && i < len(logs); i++ {
			path := filepath.Join(dir, logs[i])
			log.WithField("file", path).Debug("Removing old run log")
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("removing old log: %w", err)
			}
		}
		if excess > 0 {
			logs = logs[min(excess, len(logs)):]
		}
	}

	if compress {
		for _, name := range logs {
			if !strings.HasSuffix(name, suffix) {
				continue
			}
			if err := gzipFile(filepath.Join(dir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// runOrder splits a log name into its timestamp and collision counter, so
// borg_T-1.log sorts after borg_T.log.
func runOrder(name string) (string, int) {
	stem := strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), suffix)
	stem = strings.TrimPrefix(stem, prefix)
	if len(stem) <= len(timeLayout) {
		return stem, 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(stem[len(timeLayout):], "-"))
	if err != nil {
		return stem, 0
	}
	return stem[:len(timeLayout)], n
}

func gzipFile(path string) (err error) {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening log for compression: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".gz", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("creating compressed log: %w", err)
	}
	defer func() {
		if err != nil {
			dst.Close()
			os.Remove(dst.Name())
		}
	}()

	zw := gzip.NewWriter(dst)
	zw.Name = filepath.Base(path)
	if _, err = io.Copy(zw, src); err != nil {
		return fmt.Errorf("compressing %s: %w", path, err)
	}
	if err = zw.Close(); err != nil {
		return fmt.Errorf("compressing %s: %w", path, err)
	}
	if err = dst.Close(); err != nil {
		return fmt.Errorf("compressing %s: %w", path, err)
	}
	src.Close()
	return os.Remove(path)
}
