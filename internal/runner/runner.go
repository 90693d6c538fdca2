// Package runner executes one external command or script as a child
// process, streams its output line-by-line, and translates its exit into an
// Outcome. Cancellation is cooperative-first: SIGTERM, a bounded grace
// period, then SIGKILL.
package runner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/opkit/internal/encoding"
	"github.com/mattjoyce/opkit/internal/log"
	"github.com/mattjoyce/opkit/internal/task"
)

const (
	// maxLineBytes caps a single output line read from the child.
	maxLineBytes = 1024 * 1024

	// DefaultGracePeriod is the wait between SIGTERM and SIGKILL when no
	// grace period is configured.
	DefaultGracePeriod = 5 * time.Second
)

// LineSink receives normalized output lines as they become available.
// Lines within one stream arrive in the child's write order; no ordering
// is claimed between the two streams.
type LineSink interface {
	Line(stream task.Stream, text string)
}

// LineSinkFunc adapts a function to LineSink.
type LineSinkFunc func(stream task.Stream, text string)

func (f LineSinkFunc) Line(stream task.Stream, text string) { f(stream, text) }

// Outcome is the result of one process invocation.
type Outcome struct {
	// ExitCode is the child's exit status. Non-zero is a legitimate
	// outcome, not an engine failure.
	ExitCode int

	// SpawnErr is set when the child could not be started at all. No
	// output lines were emitted in that case.
	SpawnErr error

	// Cancelled is set when the run was terminated by context
	// cancellation; TimedOut additionally marks a deadline as the cause.
	Cancelled bool
	TimedOut  bool
}

// Runner spawns and supervises child processes.
type Runner struct {
	norm   *encoding.Normalizer
	grace  time.Duration
	logger *slog.Logger
}

// New creates a Runner. grace <= 0 selects DefaultGracePeriod.
func New(norm *encoding.Normalizer, grace time.Duration) *Runner {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Runner{
		norm:   norm,
		grace:  grace,
		logger: log.WithComponent("runner"),
	}
}

// Run executes the invocation and blocks until the child reaches a terminal
// state. Output lines flow to sink as they are read, stdout and stderr
// pumped concurrently. Cancelling ctx escalates: SIGTERM, grace period,
// SIGKILL.
func (r *Runner) Run(ctx context.Context, inv *Invocation, sink LineSink) Outcome {
	cmd := exec.Command(inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.WorkDir
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{SpawnErr: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{SpawnErr: err}
	}

	if err := cmd.Start(); err != nil {
		return Outcome{SpawnErr: err}
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go r.pump(&pumps, stdout, task.StreamStdout, sink)
	go r.pump(&pumps, stderr, task.StreamStderr, sink)

	// cmd.Wait must not run before both pipes are drained.
	waitErr := make(chan error, 1)
	go func() {
		pumps.Wait()
		waitErr <- cmd.Wait()
	}()

	select {
	case err := <-waitErr:
		return Outcome{ExitCode: exitCode(err)}

	case <-ctx.Done():
		r.terminate(cmd, waitErr)
		return Outcome{
			Cancelled: true,
			TimedOut:  errors.Is(ctx.Err(), context.DeadlineExceeded),
		}
	}
}

// pump forwards one stream line-by-line through the normalizer.
func (r *Runner) pump(wg *sync.WaitGroup, pipe io.Reader, stream task.Stream, sink LineSink) {
	defer wg.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		sink.Line(stream, r.norm.Normalize(scanner.Bytes()))
	}
	if err := scanner.Err(); err != nil {
		r.logger.Debug("output stream closed with error", "stream", string(stream), "error", err)
	}
}

// terminate escalates: SIGTERM, wait for the grace period, SIGKILL.
func (r *Runner) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	if cmd.Process == nil {
		return
	}

	r.logger.Warn("terminating child process", "pid", cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		r.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		r.logger.Info("child exited after SIGTERM", "pid", cmd.Process.Pid)
	case <-grace.C:
		r.logger.Warn("child ignored SIGTERM, sending SIGKILL", "pid", cmd.Process.Pid)
		if err := cmd.Process.Kill(); err != nil {
			r.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
