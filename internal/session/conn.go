package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/wire"
)

// Conn is one live duplex channel to the relay for a single document.
type Conn interface {
	Send(ctx context.Context, f wire.Frame) error
	// Receive blocks for the next valid frame. Malformed frames are
	// reported as MalformedOperationError and the connection stays usable.
	Receive(ctx context.Context) (wire.Frame, error)
	Close() error
}

// Dialer opens connections for a document.
type Dialer interface {
	Dial(ctx context.Context, docID, clientID string) (Conn, error)
}

// WSDialer dials the relay's websocket endpoint, <BaseURL>/docs/<doc>/ws.
type WSDialer struct {
	BaseURL      string
	Codec        wire.Codec
	Header       http.Header
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

// Dial connects to the relay.
func (d WSDialer) Dial(ctx context.Context, docID, clientID string) (Conn, error) {
	codec := d.Codec
	if codec == nil {
		codec = wire.JSONCodec{}
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", docID, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u = u.JoinPath("docs", docID, "ws")
	q := u.Query()
	q.Set("codec", codec.Name())
	u.RawQuery = q.Encode()

	ws, _, err := dialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		return nil, ir.NewTransportError(docID, "dial", err)
	}
	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &wsConn{docID: docID, ws: ws, codec: codec, writeTimeout: timeout}, nil
}

type wsConn struct {
	docID        string
	ws           *websocket.Conn
	codec        wire.Codec
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (c *wsConn) Send(ctx context.Context, f wire.Frame) error {
	data, err := c.codec.Encode(f)
	if err != nil {
		return err
	}
	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(msgType, data); err != nil {
		return ir.NewTransportError(c.docID, "send "+string(f.Type), err)
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) (wire.Frame, error) {
	stop := context.AfterFunc(ctx, func() { c.ws.SetReadDeadline(time.Now()) })
	defer stop()
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return wire.Frame{}, ctx.Err()
		}
		return wire.Frame{}, ir.NewTransportError(c.docID, "receive", err)
	}
	return c.codec.Decode(data)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
