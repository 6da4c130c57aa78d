package sourcedriver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskvale/streamd/branch"
	"github.com/duskvale/streamd/core"
)

// WebSocketDialer dials sources exposed over a WebSocket control connection
// that frames decoded media as JSON messages, the same transport and
// request shape this codebase's overseer client uses against its sibling
// processes, reused here so the core's default Dialer needs no new wire
// protocol of its own.
type WebSocketDialer struct{}

type wsConn struct {
	conn   *websocket.Conn
	frames chan branch.Frame
	lastErr error
}

type wsFrameMsg struct {
	Type     string `json:"type"`
	Keyframe bool   `json:"keyframe"`
	Bytes    int    `json:"bytes"`
	Error    string `json:"error,omitempty"`
	Fatal    bool   `json:"fatal,omitempty"`
}

// Dial opens a WebSocket connection to uri within timeout. A close frame
// carrying fatal=true is surfaced as SourceIncompatible/AuthenticationFailed
// per the message's error text; anything else is treated as transient.
func (WebSocketDialer) Dial(ctx context.Context, uri string, timeout time.Duration) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("sourcedriver: dial %s: %w", uri, err)
	}

	return &wsConn{conn: conn, frames: make(chan branch.Frame, 32)}, nil
}

func (c *wsConn) Frames(ctx context.Context) (<-chan branch.Frame, error) {
	go c.pump(ctx)
	return c.frames, nil
}

func (c *wsConn) pump(ctx context.Context) {
	defer close(c.frames)
	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsFrameMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == "close" {
			if msg.Fatal {
				c.lastErr = classifyWSError(msg.Error)
			}
			return
		}
		select {
		case c.frames <- branch.Frame{PTS: time.Now(), Keyframe: msg.Keyframe, Bytes: msg.Bytes}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// LastError returns the classified fatal error from the most recent close
// frame, if any. Driver.relay checks for this optional interface to decide
// whether a closed connection should be retried or reported upward as
// permanent (§4.1 failure model).
func (c *wsConn) LastError() error { return c.lastErr }

// classifyWSError maps a close reason to the core error taxonomy (§7).
func classifyWSError(reason string) error {
	switch reason {
	case "incompatible":
		return core.ErrSourceIncompatible
	case "unauthorized":
		return core.ErrAuthenticationFailed
	default:
		return core.ErrSourceUnreachable
	}
}
