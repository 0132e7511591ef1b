// Package wire defines the frames exchanged between sessions and the relay
// and the codecs that carry them.
//
// Every frame names its own type, and every operation inside it carries its
// full (origin, clock) identity, so a receiver can drop or merge a duplicate
// or out-of-order frame without any connection context.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/weave/internal/ir"
)

// FrameType discriminates frames on the shared channel.
type FrameType string

const (
	// FrameOps carries a batch of operations in generation order per origin.
	FrameOps FrameType = "ops"
	// FramePresence carries one client's PresenceState.
	FramePresence FrameType = "presence"
	// FrameHello opens the resync handshake with the client's summary.
	FrameHello FrameType = "hello"
	// FrameSync answers hello: relay summary plus the missing delta, or the
	// full state when the client summary was empty.
	FrameSync FrameType = "sync"
	// FrameAck tells a client its operations up to Clock are durably logged.
	FrameAck FrameType = "ack"
	// FrameSave asks the relay to take a labeled snapshot.
	FrameSave FrameType = "save"
	// FrameNotice carries an informational notice (restore conflict,
	// stale peer, saved version).
	FrameNotice FrameType = "notice"
	// FrameLeave announces that a client left and its presence should go.
	FrameLeave FrameType = "leave"
)

// Notice is an informational message. Code is an ir.ErrorCode or "SAVED".
type Notice struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// NoticeSaved announces a new version.
const NoticeSaved = "SAVED"

// Frame is the envelope of everything sent over a session channel. Which
// fields are set depends on Type.
type Frame struct {
	Type     FrameType         `json:"type"`
	DocID    string            `json:"doc_id,omitempty"`
	ClientID string            `json:"client_id,omitempty"`
	Ops      []ir.Operation    `json:"ops,omitempty"`
	Presence *ir.PresenceState `json:"presence,omitempty"`
	Summary  ir.Summary        `json:"summary,omitempty"`
	State    json.RawMessage   `json:"state,omitempty"`
	Clock    int64             `json:"clock,omitempty"`
	Label    string            `json:"label,omitempty"`
	Version  int64             `json:"version,omitempty"`
	Notice   *Notice           `json:"notice,omitempty"`
}

// Validate checks that the frame is well formed for its type and that every
// operation it carries is valid.
func (f Frame) Validate() error {
	switch f.Type {
	case FrameOps:
		if len(f.Ops) == 0 {
			return fmt.Errorf("ops frame without operations")
		}
	case FramePresence:
		if f.Presence == nil || f.Presence.ClientID == "" {
			return fmt.Errorf("presence frame without client id")
		}
	case FrameHello:
		if f.ClientID == "" {
			return fmt.Errorf("hello frame without client id")
		}
	case FrameSync, FrameAck, FrameSave, FrameLeave:
	case FrameNotice:
		if f.Notice == nil || f.Notice.Code == "" {
			return fmt.Errorf("notice frame without code")
		}
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	for i, op := range f.Ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("ops[%d]: %w", i, err)
		}
	}
	for origin, clock := range f.Summary {
		if origin == "" || clock < 0 {
			return fmt.Errorf("summary entry %q=%d", origin, clock)
		}
	}
	return nil
}

// Codec turns frames into websocket messages and back.
type Codec interface {
	Encode(f Frame) ([]byte, error)
	// Decode returns a MalformedOperationError for anything that does not
	// decode into a valid frame.
	Decode(data []byte) (Frame, error)
	// Binary reports whether encoded frames are binary websocket messages.
	Binary() bool
	Name() string
}

// CodecByName returns the codec registered under name ("json" or "binary").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "binary":
		return BinaryCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

func malformed(err error) error {
	return ir.NewMalformedError("decode frame", err)
}
