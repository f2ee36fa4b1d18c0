// Package guest implements the agent that runs as init inside a worker
// microVM. It accepts one request per vsock connection, starts the worker
// binary with the job environment, and streams the worker's output back.
package guest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	fc "github.com/seantiz/volley/internal/dispatch/firecracker"
)

// killGrace is how long past the request timeout the worker may run.
const killGrace = 10 * time.Second

// Agent serves worker requests arriving on a listener.
type Agent struct {
	listener  net.Listener
	workerBin string
	workDir   string
	logger    *slog.Logger
}

// New creates an agent that runs workerBin in workDir.
func New(listener net.Listener, workerBin, workDir string, logger *slog.Logger) *Agent {
	return &Agent{
		listener:  listener,
		workerBin: workerBin,
		workDir:   workDir,
		logger:    logger,
	}
}

// Serve accepts connections until the listener fails.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handle(conn)
	}
}

func (a *Agent) handle(conn net.Conn) {
	defer conn.Close()

	var req fc.GuestRequest
	if err := fc.ReadFrame(conn, &req); err != nil {
		a.logger.Error("read request", "error", err)
		a.exit(conn, fc.GuestResponse{ExitCode: 1, Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	a.logger.Info("starting worker", "job_id", req.JobID)
	resp := a.run(conn, req)
	a.logger.Info("worker finished", "job_id", req.JobID, "exit_code", resp.ExitCode)
	a.exit(conn, resp)
}

// run starts the worker and relays its stdout and stderr lines as log frames.
func (a *Agent) run(conn net.Conn, req fc.GuestRequest) fc.GuestResponse {
	ctx := context.Background()
	if req.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutS)*time.Second+killGrace)
		defer cancel()
	}

	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return fc.GuestResponse{ExitCode: 1, Error: fmt.Sprintf("create work dir: %v", err)}
	}

	cmd := exec.CommandContext(ctx, a.workerBin)
	cmd.Dir = a.workDir
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fc.GuestResponse{ExitCode: 1, Error: fmt.Sprintf("stdout pipe: %v", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fc.GuestResponse{ExitCode: 1, Error: fmt.Sprintf("stderr pipe: %v", err)}
	}
	if err := cmd.Start(); err != nil {
		return fc.GuestResponse{ExitCode: 1, Error: fmt.Sprintf("start worker: %v", err)}
	}

	var writeMu sync.Mutex
	var wg sync.WaitGroup
	for _, r := range []io.Reader{stdout, stderr} {
		wg.Go(func() {
			a.relayLines(conn, &writeMu, r)
		})
	}
	wg.Wait()

	err = cmd.Wait()
	if err == nil {
		return fc.GuestResponse{}
	}

	resp := fc.GuestResponse{ExitCode: 1, Error: err.Error()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		resp.ExitCode = exitErr.ExitCode()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		resp.Error = fmt.Sprintf("worker killed after %ds", req.TimeoutS)
	}
	return resp
}

// relayLines sends each line of r as a log frame. Once the host stops
// reading, the rest of r is drained so the worker never blocks on a full pipe.
func (a *Agent) relayLines(conn net.Conn, mu *sync.Mutex, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		mu.Lock()
		err := fc.WriteFrame(conn, &fc.GuestFrame{Type: fc.FrameLog, Line: scanner.Text()})
		mu.Unlock()
		if err != nil {
			a.logger.Warn("write log frame", "error", err)
			io.Copy(io.Discard, r)
			return
		}
	}
}

func (a *Agent) exit(conn net.Conn, resp fc.GuestResponse) {
	if err := fc.WriteFrame(conn, &fc.GuestFrame{Type: fc.FrameExit, Response: &resp}); err != nil {
		a.logger.Error("write exit frame", "error", err)
	}
}
