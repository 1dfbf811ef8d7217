package streams

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// SyncWriter serializes writes from several goroutines onto one writer,
// so stdout and stderr chunks never interleave mid write.
type SyncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewSyncWriter(w io.Writer) *SyncWriter {
	return &SyncWriter{w: w}
}

func (s *SyncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

type PipeAbleCloseStreams interface {
	StdoutPipe() (io.ReadCloser, error)
	StderrPipe() (io.ReadCloser, error)
}

// Pipes holds the output pipes of a process that has not been started yet.
type Pipes struct {
	out io.ReadCloser
	err io.ReadCloser
}

// OpenPipes must be called before the process is started.
func OpenPipes(source PipeAbleCloseStreams) (*Pipes, error) {
	outPipe, err := source.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening out pipe: %w", err)
	}
	errPipe, err := source.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening err pipe: %w", err)
	}
	return &Pipes{out: outPipe, err: errPipe}, nil
}

// Drain copies both pipes into target until they reach EOF and returns the
// first copy error. It has to return before the process is waited on.
// After target fails, the pipe is still read to EOF and discarded so the
// process never blocks on a full pipe.
func (p *Pipes) Drain(target io.Writer) error {
	g := new(errgroup.Group)
	for _, pipe := range []io.Reader{p.out, p.err} {
		pipe := pipe
		g.Go(func() error {
			if _, err := io.Copy(target, pipe); err != nil {
				io.Copy(io.Discard, pipe)
				return fmt.Errorf("copying process output: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close releases the pipes when the process never started.
// It also unblocks a running Drain, for output held open by a grandchild.
func (p *Pipes) Close() {
	p.out.Close()
	p.err.Close()
}
