// Package wsconn is the byte-duplex under the Noise layer: a thin wrapper
// over github.com/coder/websocket giving noiseconn and rawconn a
// ReadMessage/WriteMessage shape instead of net.Conn's raw byte stream.
// Websocket already frames messages, so noiseconn's handshake messages
// and rawconn's application frames map one-to-one onto websocket binary
// messages.
package wsconn

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Conn is a websocket connection presented as whole-message read/write,
// satisfying the frameReaderWriter shape noiseconn.HandshakeClient/Server
// expect.
type Conn struct {
	ws  *websocket.Conn
	ctx context.Context
}

// Dial opens a client-side websocket connection to url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsconn: dial %s: %w", url, err)
	}
	ws.SetReadLimit(-1)
	return &Conn{ws: ws, ctx: ctx}, nil
}

// Accept upgrades an incoming HTTP request to a server-side websocket
// connection.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wsconn: accept: %w", err)
	}
	ws.SetReadLimit(-1)
	return &Conn{ws: ws, ctx: r.Context()}, nil
}

// WriteMessage sends one binary websocket message.
func (c *Conn) WriteMessage(msg []byte) error {
	if err := c.ws.Write(c.ctx, websocket.MessageBinary, msg); err != nil {
		return fmt.Errorf("wsconn: write: %w", err)
	}
	return nil
}

// ReadMessage receives one binary websocket message.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.Read(c.ctx)
	if err != nil {
		return nil, fmt.Errorf("wsconn: read: %w", err)
	}
	return data, nil
}

// Close closes the underlying websocket with a normal-closure status.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseWithError closes the underlying websocket with an internal-error
// status, used when the local side is tearing down due to a fault rather
// than a graceful Bye.
func (c *Conn) CloseWithError(reason string) error {
	return c.ws.Close(websocket.StatusInternalError, reason)
}
