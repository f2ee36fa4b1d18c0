package firecracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	dialAttempts    = 8
	dialBaseBackoff = 100 * time.Millisecond
)

// GuestConn is the host side of the vsock channel to one guest agent.
type GuestConn struct {
	conn net.Conn
	// r keeps whatever the handshake reader buffered past the OK line.
	r io.Reader
}

// DialGuest connects to the guest agent through Firecracker's vsock UDS
// bridge, retrying with exponential backoff while the guest boots.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	backoff := dialBaseBackoff
	var lastErr error

	for attempt := 1; attempt <= dialAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dial guest: %w", err)
		}

		gc, err := handshake(ctx, udsPath, port)
		if err == nil {
			return gc, nil
		}
		lastErr = err

		if attempt == dialAttempts {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialAttempts, lastErr)
}

// handshake performs Firecracker's host-initiated vsock protocol: write
// "CONNECT <port>\n" to the UDS and expect "OK <assigned port>\n" back.
func handshake(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, err
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	reply, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT reply: %w", err)
	}
	if reply = strings.TrimSpace(reply); !strings.HasPrefix(reply, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT rejected: %q", reply)
	}

	return &GuestConn{conn: conn, r: br}, nil
}

// Start hands the worker request to the guest agent.
func (gc *GuestConn) Start(req GuestRequest) error {
	if err := WriteFrame(gc.conn, &req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

// Stream relays log frames to logWriter until the exit frame arrives.
func (gc *GuestConn) Stream(logWriter func(string)) (GuestResponse, error) {
	for {
		var f GuestFrame
		if err := ReadFrame(gc.r, &f); err != nil {
			return GuestResponse{}, fmt.Errorf("read guest frame: %w", err)
		}

		switch f.Type {
		case FrameLog:
			if logWriter != nil {
				logWriter(f.Line)
			}
		case FrameExit:
			if f.Response == nil {
				return GuestResponse{}, errors.New("exit frame without response")
			}
			return *f.Response, nil
		default:
			return GuestResponse{}, fmt.Errorf("unexpected frame type %q", f.Type)
		}
	}
}

// SetDeadline bounds every subsequent read and write.
func (gc *GuestConn) SetDeadline(t time.Time) error {
	return gc.conn.SetDeadline(t)
}

// Close closes the connection.
func (gc *GuestConn) Close() error {
	return gc.conn.Close()
}
