package firecracker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize caps a single frame payload (16 MiB).
const MaxFrameSize = 16 << 20

// frameHeaderSize is the big-endian uint32 length prefix.
const frameHeaderSize = 4

// GuestRequest is sent once by the host after the vsock handshake. It carries
// the worker environment (TASK_TOKEN, EXECUTION_ID, JOB_DEFINITION,
// CALLBACK_URL) the guest agent starts the worker with.
type GuestRequest struct {
	JobID    string            `json:"jobId"`
	Env      map[string]string `json:"env"`
	TimeoutS int               `json:"timeoutS,omitempty"`
}

// GuestResponse reports how the worker process exited. The job outcome
// itself travels through the token callback, not through this message.
type GuestResponse struct {
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

// Frame types sent from guest to host.
const (
	FrameLog  = "log"
	FrameExit = "exit"
)

// GuestFrame is the envelope of every guest-to-host message: any number of
// log frames followed by exactly one exit frame.
type GuestFrame struct {
	Type     string         `json:"type"`
	Line     string         `json:"line,omitempty"`
	Response *GuestResponse `json:"response,omitempty"`
}

// WriteFrame encodes v as JSON behind a 4-byte length prefix.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(payload), MaxFrameSize)
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)

	// Header and payload go out in a single Write.
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", size, MaxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
