// ABOUTME: Conn implementation over a github.com/coder/websocket connection
// ABOUTME: Serializes JSON writes and decodes client frames until the peer leaves

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// DefaultWriteTimeout bounds a single websocket write.
const DefaultWriteTimeout = 5 * time.Second

// ErrClosed is returned when writing to a connection that has closed.
var ErrClosed = errors.New("channel closed")

// WSConn adapts a websocket connection to Conn.
type WSConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSConn wraps an established websocket connection.
func NewWSConn(conn *websocket.Conn, logger *slog.Logger) *WSConn {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSConn{
		conn:         conn,
		writeTimeout: DefaultWriteTimeout,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

// Accept upgrades an HTTP request. originPatterns restricts cross-origin
// clients; an empty list only allows same-origin requests.
func Accept(w http.ResponseWriter, r *http.Request, originPatterns []string, logger *slog.Logger) (*WSConn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("accepting websocket: %w", err)
	}
	return NewWSConn(conn, logger), nil
}

// Send writes msg as a JSON text frame.
func (c *WSConn) Send(msg Message) error {
	if !c.IsOpen() {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.markClosed()
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// IsOpen reports whether the connection has not yet closed.
func (c *WSConn) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed when the connection closes.
func (c *WSConn) Done() <-chan struct{} {
	return c.done
}

// Close performs a normal closure with the given reason.
func (c *WSConn) Close(reason string) error {
	if !c.IsOpen() {
		return nil
	}
	c.markClosed()
	if err := c.conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		// The peer may already be gone; drop the transport regardless.
		_ = c.conn.CloseNow()
		return fmt.Errorf("closing websocket: %w", err)
	}
	return nil
}

// ReadLoop decodes client frames and hands each to fn until the peer goes
// away or ctx is done. Malformed frames are logged and skipped. A normal
// closure by the peer returns nil.
func (c *WSConn) ReadLoop(ctx context.Context, fn func(ClientMessage)) error {
	defer c.markClosed()

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if !c.IsOpen() {
				return nil
			}
			return fmt.Errorf("reading websocket: %w", err)
		}
		if typ != websocket.MessageText {
			c.logger.Debug("ignoring non-text frame")
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("ignoring malformed client message", "error", err)
			continue
		}
		fn(msg)
	}
}

func (c *WSConn) markClosed() {
	c.closeOnce.Do(func() { close(c.done) })
}
