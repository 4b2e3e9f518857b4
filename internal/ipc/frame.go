// Package ipc implements the local command channel: a unix-domain socket
// carrying length-delimited JSON frames. The engine runs the server side;
// vigilctl and the GUI are clients.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// maxFrameSize bounds a single frame; anything larger is a protocol error.
const maxFrameSize = 4 << 20

// Command types accepted by the engine.
const (
	CmdGetStatus    = "GET_STATUS"
	CmdGetStats     = "GET_STATS"
	CmdGetRegime    = "GET_REGIME"
	CmdForceCheck   = "FORCE_CHECK"
	CmdAckAlerts    = "ACK_ALERTS"
	CmdReloadConfig = "RELOAD_CONFIG"
	CmdShutdown     = "SHUTDOWN"
)

// Reply statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusQueued  = "queued"
)

// Request is one inbound command frame.
type Request struct {
	Type      string                 `json:"type"`
	RequestID string                 `json:"request_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Reply is the response frame for a request.
type Reply struct {
	RequestID string                 `json:"request_id"`
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Message   string                 `json:"message,omitempty"`
}

// Success builds a success reply for the request.
func Success(req Request, data map[string]interface{}) Reply {
	return Reply{
		RequestID: req.RequestID,
		Status:    StatusSuccess,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Errorf builds an error reply for the request.
func Errorf(req Request, format string, args ...interface{}) Reply {
	return Reply{
		RequestID: req.RequestID,
		Status:    StatusError,
		Timestamp: time.Now().UTC(),
		Error:     fmt.Sprintf(format, args...),
	}
}

// writeFrame writes one length-prefixed JSON frame.
func writeFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed JSON frame into v.
func readFrame(r io.Reader, v interface{}) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > maxFrameSize {
		return fmt.Errorf("invalid frame size %d", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	return nil
}
