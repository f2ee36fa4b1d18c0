// Package process dispatches workers as local child processes.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/volley/internal/dispatch"
)

// Name is the registry name of this dispatcher.
const Name = "process"

// Config controls how worker processes are started.
type Config struct {
	// WorkerBin is the worker executable, resolved through PATH if relative.
	WorkerBin string
	// Args are passed to the worker after the binary name.
	Args []string
	// Dir is the working directory of each worker. Empty means inherit.
	Dir string
	// MaxConcurrency is reported in capabilities only.
	MaxConcurrency int
}

// Compile-time interface satisfaction check.
var _ dispatch.Dispatcher = (*Dispatcher)(nil)

// Dispatcher runs one worker process per job.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*execution
	wg     sync.WaitGroup
}

type execution struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a process dispatcher.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		logger: logger,
		active: make(map[string]*execution),
	}
}

// Dispatch starts the worker and returns without waiting for it. The worker
// outlives ctx; it is bounded by spec.Timeout and stopped by Cleanup.
func (d *Dispatcher) Dispatch(ctx context.Context, spec dispatch.WorkerSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	env, err := spec.Env()
	if err != nil {
		return fmt.Errorf("build worker env: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.active[spec.JobID]; ok {
		return fmt.Errorf("%w: %s", dispatch.ErrAlreadyDispatched, spec.JobID)
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), spec.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	cmd := exec.CommandContext(runCtx, d.cfg.WorkerBin, d.cfg.Args...)
	cmd.Dir = d.cfg.Dir
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = 5 * time.Second
	// The load tool forks its own children; kill the whole group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start worker: %w", err)
	}

	e := &execution{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	d.active[spec.JobID] = e

	d.logger.Info("worker started", "job_id", spec.JobID, "pid", cmd.Process.Pid)

	d.wg.Go(func() {
		d.supervise(spec, e, stdout, stderr)
	})
	return nil
}

// supervise streams the worker's output and reaps it.
func (d *Dispatcher) supervise(spec dispatch.WorkerSpec, e *execution, stdout, stderr io.Reader) {
	defer close(e.done)
	defer e.cancel()

	// LogWriter sees one line at a time even though two pipes feed it.
	var writeMu sync.Mutex
	var streams sync.WaitGroup
	for _, r := range []io.Reader{stdout, stderr} {
		streams.Go(func() {
			scanner := bufio.NewScanner(r)
			for scanner.Scan() {
				writeMu.Lock()
				spec.Emit(scanner.Text())
				writeMu.Unlock()
			}
		})
	}
	streams.Wait()

	err := e.cmd.Wait()

	d.mu.Lock()
	delete(d.active, spec.JobID)
	d.mu.Unlock()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		d.logger.Info("worker exited", "job_id", spec.JobID)
	case errors.As(err, &exitErr):
		d.logger.Warn("worker exited with error", "job_id", spec.JobID, "exit_code", exitErr.ExitCode())
	default:
		d.logger.Error("wait for worker", "job_id", spec.JobID, "error", err)
	}
}

// Capabilities reports what this dispatcher provides.
func (d *Dispatcher) Capabilities() dispatch.Capabilities {
	return dispatch.Capabilities{
		Name:           Name,
		Isolation:      "none",
		MaxConcurrency: d.cfg.MaxConcurrency,
	}
}

// Cleanup kills the job's worker if it is still running and waits for it to
// be reaped or for ctx to end.
func (d *Dispatcher) Cleanup(ctx context.Context, jobID string) error {
	d.mu.Lock()
	e, ok := d.active[jobID]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	e.cancel()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop worker for job %s: %w", jobID, ctx.Err())
	}
}

// Active reports how many workers are running.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Close kills every running worker and waits for all of them to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	for _, e := range d.active {
		e.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}
