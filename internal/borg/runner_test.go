package borg

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/swat-engineering/borg-systemd/internal/config"
)

var errTest = errors.New("test")

// writeStub creates an executable shell script standing in for borg.
func writeStub(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "borg-stub")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeConfig(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "borg.tsv")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

type recordingNotifier struct {
	summaries []Summary
}

func (n *recordingNotifier) Notify(_ context.Context, summary Summary) error {
	n.summaries = append(n.summaries, summary)
	return nil
}

func testRunner(logDir string, settings config.Settings) *Runner {
	logger := log.New()
	logger.SetOutput(io.Discard)
	r := NewRunner(logDir, settings)
	r.Logger = logger
	r.Now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	r.Hostname = func() (string, error) { return "testhost", nil }
	r.Environ = func() []string { return []string{"PATH=/usr/bin:/bin"} }
	return r
}

func readLog(t *testing.T, summary *Summary) string {
	t.Helper()
	data, err := os.ReadFile(summary.LogFile)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestInvokeSuccess(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	stub := writeStub(t, dir, "echo ok\necho warning >&2\n")
	cfgPath := writeConfig(t, dir, "BORG_BINARY\t"+stub, "BORG_REPO\t/backup")

	notifier := &recordingNotifier{}
	r := testRunner(logDir, config.DefaultSettings())
	r.Notifier = notifier

	summary, err := r.Invoke(context.Background(), cfgPath)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if summary.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", summary.ExitCode)
	}
	if filepath.Dir(summary.LogFile) != logDir {
		t.Errorf("LogFile = %s, want it inside %s", summary.LogFile, logDir)
	}
	content := readLog(t, summary)
	for _, want := range []string{"ok\n", "warning\n", "local> borg-stub create", "Backup finished"} {
		if !strings.Contains(content, want) {
			t.Errorf("run log is missing %q:\n%s", want, content)
		}
	}
	if len(notifier.summaries) != 1 || !notifier.summaries[0].Success() {
		t.Errorf("notifier got %+v", notifier.summaries)
	}
}

func TestInvokeChildFailure(t *testing.T) {
	dir := t.TempDir()
	stub := writeStub(t, dir, "echo 'repository locked' >&2\nexit 3\n")
	cfgPath := writeConfig(t, dir, "BORG_BINARY\t"+stub)

	settings := config.DefaultSettings()
	settings.Prune.Enabled = true
	summary, err := testRunner(filepath.Join(dir, "logs"), settings).Invoke(context.Background(), cfgPath)

	var child *ChildFailure
	if !errors.As(err, &child) {
		t.Fatalf("Invoke() error = %v, want *ChildFailure", err)
	}
	if got := ExitCode(err); got != 3 {
		t.Errorf("ExitCode() = %d, want 3", got)
	}
	if summary == nil || summary.ExitCode != 3 {
		t.Fatalf("summary = %+v", summary)
	}
	content := readLog(t, summary)
	if !strings.Contains(content, "repository locked") {
		t.Errorf("run log is missing child output:\n%s", content)
	}
	if strings.Contains(content, "local> borg-stub prune") {
		t.Errorf("prune ran after a failed create:\n%s", content)
	}
}

func TestInvokeMissingConfig(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")

	summary, err := testRunner(logDir, config.DefaultSettings()).Invoke(context.Background(), filepath.Join(dir, "nope.tsv"))

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Invoke() error = %v, want *ConfigError", err)
	}
	if summary != nil {
		t.Errorf("summary = %+v, want nil", summary)
	}
	if _, err := os.Stat(logDir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("log directory was created: %v", err)
	}
}

func TestInvokeMissingBinary(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	cfgPath := writeConfig(t, dir, "BORG_BINARY\t"+filepath.Join(dir, "no-such-borg"))

	_, err := testRunner(logDir, config.DefaultSettings()).Invoke(context.Background(), cfgPath)

	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("Invoke() error = %v, want *LaunchError", err)
	}
	if got := ExitCode(err); got != ExitLaunchError {
		t.Errorf("ExitCode() = %d, want %d", got, ExitLaunchError)
	}
	if _, err := os.Stat(logDir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("log directory was created: %v", err)
	}
}

func TestInvokeMissingBase(t *testing.T) {
	dir := t.TempDir()
	stub := writeStub(t, dir, "echo ok\n")
	cfgPath := writeConfig(t, dir, "BORG_BINARY\t"+stub, "BORG_BASE\t"+filepath.Join(dir, "gone"))

	summary, err := testRunner(filepath.Join(dir, "logs"), config.DefaultSettings()).Invoke(context.Background(), cfgPath)

	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("Invoke() error = %v, want *LaunchError", err)
	}
	if content := readLog(t, summary); strings.Contains(content, "Backup finished") {
		t.Errorf("run log claims success:\n%s", content)
	}
}

func TestInvokeEnvironmentAndArguments(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	if err := os.Mkdir(base, 0o755); err != nil {
		t.Fatal(err)
	}
	base, err := filepath.EvalSymlinks(base)
	if err != nil {
		t.Fatal(err)
	}
	stub := writeStub(t, dir, `echo "cwd=$(pwd)"
echo "host=$BORG_HOST_ID"
echo "extra=$BORG_CACHE_DIR"
echo "binary=$BORG_BINARY"
for a in "$@"; do echo "arg=$a"; done
`)
	cfgPath := writeConfig(t, dir,
		"BORG_BINARY\t"+stub,
		"BORG_BASE\t"+base,
		"BORG_REPO\t/backup",
		"BORG_PATH\thome,etc",
		"BORG_EXCLUDE\t*.tmp",
		"BORG_HOST_ID\tnode-42",
		"BORG_CACHE_DIR\t/var/cache/borg",
	)

	summary, err := testRunner(filepath.Join(dir, "logs"), config.DefaultSettings()).Invoke(context.Background(), cfgPath)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	content := readLog(t, summary)
	for _, want := range []string{
		"cwd=" + base + "\n",
		"host=node-42\n",
		"extra=/var/cache/borg\n",
		"binary=\n",
		"arg=create\n",
		"arg=--exclude\narg=*.tmp\n",
		"arg=/backup::2024-01-02_03:04:05_testhost\narg=home\narg=etc\n",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("run log is missing %q:\n%s", want, content)
		}
	}
	if _, ok := os.LookupEnv("BORG_HOST_ID"); ok {
		t.Errorf("BORG_HOST_ID leaked into the wrapper environment")
	}
}

func TestInvokePruneAndList(t *testing.T) {
	dir := t.TempDir()
	stub := writeStub(t, dir, "echo \"ran $1\"\n")
	cfgPath := writeConfig(t, dir, "BORG_BINARY\t"+stub)

	settings := config.DefaultSettings()
	settings.Prune.Enabled = true
	settings.List = true
	summary, err := testRunner(filepath.Join(dir, "logs"), settings).Invoke(context.Background(), cfgPath)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	content := readLog(t, summary)
	create := strings.Index(content, "ran create")
	prune := strings.Index(content, "ran prune")
	list := strings.Index(content, "ran list")
	if create < 0 || prune < create || list < prune {
		t.Errorf("expected create, prune and list in order:\n%s", content)
	}
}

func TestInvokeMirror(t *testing.T) {
	dir := t.TempDir()
	stub := writeStub(t, dir, "echo mirrored\n")
	cfgPath := writeConfig(t, dir, "BORG_BINARY\t"+stub)

	var mirror strings.Builder
	r := testRunner(filepath.Join(dir, "logs"), config.DefaultSettings())
	r.Mirror = &mirror
	if _, err := r.Invoke(context.Background(), cfgPath); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !strings.Contains(mirror.String(), "mirrored\n") {
		t.Errorf("mirror got %q", mirror.String())
	}
}

// waitForLog polls the single run log in dir until it contains want.
func waitForLog(t *testing.T, dir, want string) bool {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		matches, _ := filepath.Glob(filepath.Join(dir, "borg_*.log"))
		for _, m := range matches {
			if data, err := os.ReadFile(m); err == nil && strings.Contains(string(data), want) {
				return true
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func TestInvokeStreamsWhileRunning(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	release := filepath.Join(dir, "release")
	stub := writeStub(t, dir, `echo "first chunk"
while [ ! -f "`+release+`" ]; do sleep 0.05; done
echo "second chunk"
`)
	cfgPath := writeConfig(t, dir, "BORG_BINARY\t"+stub)

	type result struct {
		summary *Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := testRunner(logDir, config.DefaultSettings()).Invoke(context.Background(), cfgPath)
		done <- result{summary, err}
	}()

	if !waitForLog(t, logDir, "first chunk\n") {
		t.Error("output of the running borg did not reach the log")
	}
	select {
	case <-done:
		t.Fatal("borg finished before it was released")
	default:
	}

	if err := os.WriteFile(release, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Invoke() error = %v", res.err)
		}
		if content := readLog(t, res.summary); !strings.Contains(content, "second chunk\n") {
			t.Errorf("run log is missing the final output:\n%s", content)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Invoke() did not return after release")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("no space left on device") }

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestExecSurvivesFailingOutput(t *testing.T) {
	dir := t.TempDir()
	stub := writeStub(t, dir, "head -c 1000000 /dev/zero\necho done >&2\n")
	b := BuildBorg(stub, dir, []string{"PATH=/usr/bin:/bin"}, failingWriter{}, quietLogger())

	finished := make(chan error, 1)
	go func() { finished <- b.Exec(context.Background(), "create") }()

	select {
	case err := <-finished:
		if err != nil {
			t.Errorf("Exec() error = %v, want borg's own success", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("Exec() blocked on a full pipe")
	}
}

func TestExecCancelWithLingeringGrandchild(t *testing.T) {
	dir := t.TempDir()
	// the background sleep inherits stdout and outlives the killed shell
	stub := writeStub(t, dir, "sleep 5 &\necho started\nsleep 5\n")
	b := BuildBorg(stub, dir, []string{"PATH=/usr/bin:/bin"}, io.Discard, quietLogger())
	b.waitDelay = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := b.Exec(ctx, "create")
	if err == nil {
		t.Error("Exec() error = nil after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Exec() took %s after cancellation", elapsed)
	}
}
