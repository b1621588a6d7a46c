// Package stream owns the per-province streaming connections: one
// supervised WebSocket per province, bounded reconnect with linear
// backoff, and a periodic staleness sweep that recycles silently-dead
// sockets.
package stream

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/Mucyo-Ivan/smartend/internal/telemetry"
)

// Socket is the minimal surface the supervisor needs from a streaming
// connection. *websocket.Conn is adapted to it by wsSocket; tests
// substitute in-memory fakes.
type Socket interface {
	// Read blocks until the next message arrives or the context is
	// cancelled.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// DialFunc opens a Socket for a feed URL.
type DialFunc func(ctx context.Context, url string) (Socket, error)

// WebsocketDial is the production DialFunc.
func WebsocketDial(ctx context.Context, url string) (Socket, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	// Snapshots are small; the default 32 KiB read limit is plenty,
	// but district lists can push past it on large provinces.
	c.SetReadLimit(1 << 20)
	return &wsSocket{c: c}, nil
}

type wsSocket struct {
	c *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.c.Read(ctx)
	return data, err
}

func (s *wsSocket) Close() error {
	return s.c.Close(websocket.StatusNormalClosure, "")
}

// connState is the lifecycle of one province connection. Transitions:
// connecting → connected on open, connected → backingOff on close,
// backingOff → connecting on retry, backingOff → abandoned when the
// attempt budget runs out. Abandoned entries stay in the table so
// health queries report them disconnected; a fresh Ensure replaces
// them.
type connState int

const (
	stateConnecting connState = iota
	stateConnected
	stateBackingOff
	stateAbandoned
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateBackingOff:
		return "backing_off"
	case stateAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// conn is one tracked province connection. All fields are guarded by
// the supervisor's mutex except the run loop's local socket handle.
type conn struct {
	province    telemetry.Province
	state       connState
	attempts    int
	lastMessage time.Time
	sock        Socket
	cancel      context.CancelFunc
}

// ConnStatus is the health view of one province connection.
type ConnStatus struct {
	Connected   bool      `json:"connected"`
	State       string    `json:"state"`
	Attempts    int       `json:"reconnect_attempts"`
	LastMessage time.Time `json:"last_message,omitempty"`
}
