package guest

import (
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	fc "github.com/seantiz/volley/internal/dispatch/firecracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeWorker installs a shell script standing in for the worker binary.
func writeWorker(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "volley-worker")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write worker: %v", err)
	}
	return path
}

// runOverPipe sends req to a fresh agent and collects every frame until exit.
func runOverPipe(t *testing.T, workerBin string, req *fc.GuestRequest) ([]string, fc.GuestResponse) {
	t.Helper()
	host, guest := net.Pipe()
	agent := New(nil, workerBin, filepath.Join(t.TempDir(), "work"), testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		agent.handle(guest)
	}()

	if req != nil {
		if err := fc.WriteFrame(host, req); err != nil {
			t.Fatalf("write request: %v", err)
		}
	} else {
		host.Write([]byte{0, 0, 0, 3, 'b', 'a', 'd'})
	}

	var lines []string
	var resp fc.GuestResponse
	for {
		var f fc.GuestFrame
		if err := fc.ReadFrame(host, &f); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if f.Type == fc.FrameLog {
			lines = append(lines, f.Line)
			continue
		}
		if f.Type != fc.FrameExit || f.Response == nil {
			t.Fatalf("unexpected frame %+v", f)
		}
		resp = *f.Response
		break
	}

	<-done
	host.Close()
	return lines, resp
}

func TestRunPassesEnvAndStreamsOutput(t *testing.T) {
	bin := writeWorker(t, `echo "token=$TASK_TOKEN"; echo "job=$EXECUTION_ID"; echo "to stderr" >&2`)

	lines, resp := runOverPipe(t, bin, &fc.GuestRequest{
		JobID: "job-1",
		Env:   map[string]string{"TASK_TOKEN": "tok-1", "EXECUTION_ID": "job-1"},
	})

	if resp.ExitCode != 0 || resp.Error != "" {
		t.Errorf("resp = %+v, want clean exit", resp)
	}
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"token=tok-1", "job=job-1", "to stderr"} {
		if !strings.Contains(joined, want) {
			t.Errorf("lines missing %q: %v", want, lines)
		}
	}
}

func TestRunReportsExitCode(t *testing.T) {
	bin := writeWorker(t, `echo failing; exit 7`)

	lines, resp := runOverPipe(t, bin, &fc.GuestRequest{JobID: "job-1"})

	if resp.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", resp.ExitCode)
	}
	if resp.Error == "" {
		t.Error("Error is empty for failed worker")
	}
	if len(lines) != 1 || lines[0] != "failing" {
		t.Errorf("lines = %v", lines)
	}
}

func TestRunMissingWorker(t *testing.T) {
	_, resp := runOverPipe(t, "/nonexistent/volley-worker", &fc.GuestRequest{JobID: "job-1"})

	if resp.ExitCode != 1 || !strings.Contains(resp.Error, "start worker") {
		t.Errorf("resp = %+v, want start failure", resp)
	}
}

func TestRunTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the kill grace period")
	}
	bin := writeWorker(t, `exec sleep 60`)

	_, resp := runOverPipe(t, bin, &fc.GuestRequest{JobID: "job-1", TimeoutS: 1})

	if resp.ExitCode == 0 {
		t.Error("ExitCode = 0 for killed worker")
	}
	if !strings.Contains(resp.Error, "killed after 1s") {
		t.Errorf("Error = %q, want timeout message", resp.Error)
	}
}

func TestHandleBadRequest(t *testing.T) {
	_, resp := runOverPipe(t, "/bin/true", nil)

	if resp.ExitCode != 1 || !strings.Contains(resp.Error, "read request") {
		t.Errorf("resp = %+v, want read error", resp)
	}
}
