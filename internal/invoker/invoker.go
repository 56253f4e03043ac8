// Package invoker is the single envelope through which the pipeline runs
// external media tools. It knows nothing about ffmpeg's vocabulary: it
// spawns an argv, keeps the last 8 KiB of stderr, enforces a timeout with a
// graceful-then-hard kill, and reports the exit status.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// stderrTailSize is how much trailing stderr is retained for diagnostics
const stderrTailSize = 8 * 1024

// ErrTimeout marks a run that exceeded its stage timeout
var ErrTimeout = errors.New("invoker: tool timed out")

// Request describes one tool invocation
type Request struct {
	Argv    []string
	Stdin   io.Reader
	Dir     string
	Timeout time.Duration
}

// Result is what the caller gets back. Stdout is never captured for
// meaning; tools write their real output to files.
type Result struct {
	ExitCode   int
	StderrTail string
	WallTime   time.Duration
	TimedOut   bool
}

// Invoker spawns external tool subprocesses
type Invoker struct {
	grace  time.Duration
	logger *zap.Logger
}

// New creates an invoker with the given graceful-termination window
func New(grace time.Duration, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{grace: grace, logger: logger}
}

// Run executes the request. A non-zero exit is not an error here; the
// caller classifies it. Run returns an error only when the process could
// not be spawned, the context was cancelled, or the timeout fired.
func (inv *Invoker) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("invoker: empty argv")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Stdin = req.Stdin

	tail := newRingBuffer(stderrTailSize)
	cmd.Stderr = tail

	// On timeout or cancellation, ask the tool to stop cleanly first; the
	// hard kill lands after the grace window.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = inv.grace

	start := time.Now()
	inv.logger.Debug("Invoking tool",
		zap.String("tool", req.Argv[0]),
		zap.Strings("argv", req.Argv[1:]),
	)

	err := cmd.Run()
	wall := time.Since(start)

	res := &Result{
		StderrTail: tail.String(),
		WallTime:   wall,
	}

	if err == nil {
		res.ExitCode = 0
		return res, nil
	}

	// Timeout takes precedence: the process was killed by our deadline
	if runCtx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		res.TimedOut = true
		inv.logger.Warn("Tool timed out",
			zap.String("tool", req.Argv[0]),
			zap.Duration("timeout", req.Timeout),
			zap.Duration("wall_time", wall),
		)
		return res, ErrTimeout
	}
	if runCtx.Err() == context.Canceled {
		res.ExitCode = -1
		return res, context.Canceled
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	// Spawn failure (binary missing, bad working directory)
	return nil, fmt.Errorf("invoker: failed to run %s: %w", req.Argv[0], err)
}

// ringBuffer keeps the last n bytes written through it
type ringBuffer struct {
	buf  []byte
	size int
	full bool
	pos  int
}

func newRingBuffer(n int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, n), size: n}
}

// Write implements io.Writer and never fails
func (r *ringBuffer) Write(p []byte) (int, error) {
	n := len(p)
	// Only the last size bytes of a single large write matter
	if len(p) >= r.size {
		copy(r.buf, p[len(p)-r.size:])
		r.pos = 0
		r.full = true
		return n, nil
	}
	for len(p) > 0 {
		c := copy(r.buf[r.pos:], p)
		r.pos += c
		if r.pos == r.size {
			r.pos = 0
			r.full = true
		}
		p = p[c:]
	}
	return n, nil
}

// String returns the buffered tail in write order
func (r *ringBuffer) String() string {
	if !r.full {
		return string(r.buf[:r.pos])
	}
	out := make([]byte, 0, r.size)
	out = append(out, r.buf[r.pos:]...)
	out = append(out, r.buf[:r.pos]...)
	return string(out)
}
