package firecracker

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func pipeConn() (guest net.Conn, gc *GuestConn) {
	server, client := net.Pipe()
	return server, &GuestConn{conn: client, r: client}
}

func TestGuestConnStartAndStream(t *testing.T) {
	guest, gc := pipeConn()
	lines := []string{"writing taurus config", "running bzt", "done"}

	go func() {
		defer guest.Close()
		var req GuestRequest
		if err := ReadFrame(guest, &req); err != nil {
			t.Errorf("guest read: %v", err)
			return
		}
		if req.Env["TASK_TOKEN"] != "tok-1" {
			t.Errorf("TASK_TOKEN = %q, want tok-1", req.Env["TASK_TOKEN"])
		}
		for _, l := range lines {
			WriteFrame(guest, &GuestFrame{Type: FrameLog, Line: l})
		}
		WriteFrame(guest, &GuestFrame{Type: FrameExit, Response: &GuestResponse{ExitCode: 0}})
	}()

	if err := gc.Start(GuestRequest{JobID: "job-1", Env: map[string]string{"TASK_TOKEN": "tok-1"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var mu sync.Mutex
	var got []string
	resp, err := gc.Stream(func(l string) {
		mu.Lock()
		got = append(got, l)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if resp.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", resp.ExitCode)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(lines) {
		t.Fatalf("got %d lines, want %d", len(got), len(lines))
	}
	for i := range lines {
		if got[i] != lines[i] {
			t.Errorf("line[%d] = %q, want %q", i, got[i], lines[i])
		}
	}
}

func TestGuestConnStreamErrors(t *testing.T) {
	tests := []struct {
		name    string
		guest   func(net.Conn)
		wantErr string
	}{
		{
			name:    "connection dropped",
			guest:   func(c net.Conn) {},
			wantErr: "read guest frame",
		},
		{
			name: "exit without response",
			guest: func(c net.Conn) {
				WriteFrame(c, &GuestFrame{Type: FrameExit})
			},
			wantErr: "without response",
		},
		{
			name: "unknown frame",
			guest: func(c net.Conn) {
				WriteFrame(c, &GuestFrame{Type: "telemetry"})
			},
			wantErr: "unexpected frame type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guest, gc := pipeConn()
			go func() {
				defer guest.Close()
				tt.guest(guest)
			}()

			_, err := gc.Stream(nil)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Stream = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDialGuestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := DialGuest(ctx, "/nonexistent.sock", DefaultVsockPort); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// fakeVsockBridge emulates Firecracker's host-side UDS: it answers CONNECT
// with reply and keeps the connection open briefly.
func fakeVsockBridge(t *testing.T, path, reply string) {
	t.Helper()
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go serveBridge(l, reply)
}

func serveBridge(l net.Listener, reply string) {
	for {
		c, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			defer c.Close()
			line, err := bufio.NewReader(c).ReadString('\n')
			if err != nil || !strings.HasPrefix(line, "CONNECT ") {
				return
			}
			c.Write([]byte(reply))
			time.Sleep(time.Second)
		}()
	}
}

func TestDialGuestHandshake(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "v.sock")
	fakeVsockBridge(t, sock, "OK 1073741824\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gc, err := DialGuest(ctx, sock, DefaultVsockPort)
	if err != nil {
		t.Fatalf("DialGuest: %v", err)
	}
	gc.Close()
}

func TestDialGuestRetriesUntilBridgeIsUp(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "v.sock")

	listening := make(chan net.Listener, 1)
	go func() {
		time.Sleep(250 * time.Millisecond)
		l, err := net.Listen("unix", sock)
		if err != nil {
			t.Errorf("listen: %v", err)
			close(listening)
			return
		}
		listening <- l
		serveBridge(l, "OK 1\n")
	}()
	defer func() {
		if l, ok := <-listening; ok {
			l.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gc, err := DialGuest(ctx, sock, DefaultVsockPort)
	if err != nil {
		t.Fatalf("DialGuest: %v", err)
	}
	gc.Close()
}

func TestDialGuestRejected(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "v.sock")
	fakeVsockBridge(t, sock, "ERR no listener\n")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := DialGuest(ctx, sock, DefaultVsockPort)
	if err == nil {
		t.Fatal("expected error when the bridge rejects CONNECT")
	}
}
