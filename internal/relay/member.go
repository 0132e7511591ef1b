package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/weave/internal/wire"
)

// member is one websocket connection in a room. Its client id is known
// once the hello frame arrives; until then it is not in any room.
type member struct {
	srv   *Server
	docID string
	conn  *websocket.Conn
	codec wire.Codec
	send  chan wire.Frame

	// clientID is written by the read pump before the join event and read
	// by the room loop afterwards; the queue orders the two.
	clientID string

	done      chan struct{}
	closeOnce sync.Once
}

func newMember(s *Server, docID string, conn *websocket.Conn, codec wire.Codec) *member {
	return &member{
		srv:   s,
		docID: docID,
		conn:  conn,
		codec: codec,
		send:  make(chan wire.Frame, s.sendBuffer),
		done:  make(chan struct{}),
	}
}

// deliver queues f for writing without blocking. It returns false when the
// member is gone or its buffer is full.
func (m *member) deliver(f wire.Frame) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.send <- f:
		return true
	default:
		return false
	}
}

// close tears the connection down. Safe to call more than once.
func (m *member) close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.conn.Close()
	})
}

func (m *member) messageType() int {
	if m.codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// writePump writes queued frames and pings until the member closes.
func (m *member) writePump(ctx context.Context) {
	ping := time.NewTicker(m.srv.pingInterval)
	defer ping.Stop()
	defer m.close()

	for {
		select {
		case <-ctx.Done():
			m.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
				time.Now().Add(m.srv.writeTimeout))
			return
		case <-m.done:
			return
		case f := <-m.send:
			data, err := m.codec.Encode(f)
			if err != nil {
				m.srv.logger.Error("encode frame", "doc", m.docID, "client", m.clientID, "type", f.Type, "error", err)
				continue
			}
			m.conn.SetWriteDeadline(time.Now().Add(m.srv.writeTimeout))
			if err := m.conn.WriteMessage(m.messageType(), data); err != nil {
				m.srv.logger.Debug("write failed", "doc", m.docID, "client", m.clientID, "error", err)
				return
			}
		case <-ping.C:
			m.conn.SetWriteDeadline(time.Now().Add(m.srv.writeTimeout))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes frames and hands them to the room. Malformed frames are
// logged and dropped; the connection stays up.
func (m *member) readPump(ctx context.Context) {
	readTimeout := 2 * m.srv.pingInterval
	m.conn.SetReadDeadline(time.Now().Add(readTimeout))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	joined := false
	defer func() {
		m.close()
		if joined {
			m.srv.dispatch(m.docID, event{kind: evLeave, member: m})
		}
	}()

	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			m.srv.logger.Debug("member disconnected", "doc", m.docID, "client", m.clientID, "error", err)
			return
		}
		m.conn.SetReadDeadline(time.Now().Add(readTimeout))

		f, err := m.codec.Decode(data)
		if err != nil {
			m.srv.logger.Warn("dropping malformed frame", "doc", m.docID, "client", m.clientID, "error", err)
			continue
		}

		if !joined {
			if f.Type != wire.FrameHello {
				m.srv.logger.Warn("frame before hello", "doc", m.docID, "type", f.Type)
				continue
			}
			m.clientID = f.ClientID
			joined = true
			if err := m.srv.dispatch(m.docID, event{kind: evJoin, member: m, frame: f}); err != nil {
				m.srv.logger.Warn("join failed", "doc", m.docID, "client", m.clientID, "error", err)
				return
			}
			continue
		}

		if err := m.srv.dispatch(m.docID, event{kind: evFrame, member: m, frame: f}); err != nil {
			m.srv.logger.Warn("dispatch failed", "doc", m.docID, "client", m.clientID, "error", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
