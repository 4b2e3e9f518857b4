package ipc

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Client sends one command per connection, matching the server's
// accept-read-reply-close cycle.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient creates a client for the given socket path.
func NewClient(path string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{path: path, timeout: timeout}
}

// Send dials the socket, sends the command, and waits for the reply.
func (c *Client) Send(cmdType string, data map[string]interface{}) (*Reply, error) {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.path, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	req := Request{
		Type:      cmdType,
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if err := writeFrame(conn, req); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", cmdType, err)
	}

	var reply Reply
	if err := readFrame(conn, &reply); err != nil {
		return nil, fmt.Errorf("failed to read reply for %s: %w", cmdType, err)
	}
	if reply.RequestID != req.RequestID {
		return nil, fmt.Errorf("reply request_id mismatch: sent %s, got %s", req.RequestID, reply.RequestID)
	}
	return &reply, nil
}
