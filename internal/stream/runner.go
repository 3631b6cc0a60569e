package stream

import (
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process is a handle to a launched transcoder subprocess. Implementations
// must reap the OS process exactly once so no zombies are left behind.
type Process interface {
	// Alive reports whether the process has not yet exited.
	Alive() bool
	// Terminate sends a graceful stop signal, waits up to gracefulTimeout,
	// and force-kills if the process is still running. Terminating an
	// already-exited process is a no-op.
	Terminate(gracefulTimeout time.Duration)
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Err returns the wait error after Done is closed, nil on clean exit.
	Err() error
}

// Runner launches transcoder subprocesses. The supervisor depends on this
// interface so tests can substitute a fake that never forks.
type Runner interface {
	Start(name string, args []string) (Process, error)
}

// NewExecRunner returns a Runner backed by os/exec. Subprocess stderr is
// split into lines and forwarded to the provided logger at debug level.
func NewExecRunner(logger *slog.Logger) Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &execRunner{logger: logger}
}

type execRunner struct {
	logger *slog.Logger
}

func (r *execRunner) Start(name string, args []string) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = newLogWriter(r.logger, "stdout")
	cmd.Stderr = newLogWriter(r.logger, "stderr")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	proc := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		proc.mu.Lock()
		proc.err = err
		proc.mu.Unlock()
		close(proc.done)
	}()
	return proc, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Terminate(gracefulTimeout time.Duration) {
	select {
	case <-p.done:
		return
	default:
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-p.done:
		return
	case <-time.After(gracefulTimeout):
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
}

type logWriter struct {
	logger *slog.Logger
	stream string
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("transcoder output", "stream", w.stream, "line", string(line))
	}
	return total, nil
}
