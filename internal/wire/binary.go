package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/roach88/weave/internal/ir"
)

// BinaryCodec encodes frames in the protobuf wire format for binary
// websocket messages. Operation payloads are embedded as canonical JSON so
// the content hash of an operation does not depend on the codec.
//
//	Frame     1 type  2 doc_id  3 client_id  4 ops*  5 presence  6 summary*
//	          7 state  8 clock  9 label  10 version  11 notice
//	Operation 1 origin  2 clock  3 target  4 kind  5 payload
//	Presence  1 client_id  2 user_id  3 name  4 color  5 cursor  6 selection*
//	          7 seq  8 heartbeat_ms
//	Cursor    1 x (zigzag)  2 y (zigzag)
//	Summary   1 origin  2 clock
//	Notice    1 code  2 message
//
// Unknown fields are skipped so newer peers can add fields.
type BinaryCodec struct{}

const (
	fType     protowire.Number = 1
	fDocID    protowire.Number = 2
	fClientID protowire.Number = 3
	fOps      protowire.Number = 4
	fPresence protowire.Number = 5
	fSummary  protowire.Number = 6
	fState    protowire.Number = 7
	fClock    protowire.Number = 8
	fLabel    protowire.Number = 9
	fVersion  protowire.Number = 10
	fNotice   protowire.Number = 11
)

// Binary reports true.
func (BinaryCodec) Binary() bool { return true }

// Name returns "binary".
func (BinaryCodec) Name() string { return "binary" }

// Encode serializes the frame.
func (BinaryCodec) Encode(f Frame) ([]byte, error) {
	var b []byte
	b = appendString(b, fType, string(f.Type))
	b = appendString(b, fDocID, f.DocID)
	b = appendString(b, fClientID, f.ClientID)
	for _, op := range f.Ops {
		msg, err := encodeOp(op)
		if err != nil {
			return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
		}
		b = protowire.AppendTag(b, fOps, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	if f.Presence != nil {
		b = protowire.AppendTag(b, fPresence, protowire.BytesType)
		b = protowire.AppendBytes(b, encodePresence(*f.Presence))
	}
	for _, origin := range sortedOrigins(f.Summary) {
		var entry []byte
		entry = appendString(entry, 1, origin)
		entry = appendVarint(entry, 2, f.Summary[origin])
		b = protowire.AppendTag(b, fSummary, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	if len(f.State) > 0 {
		b = protowire.AppendTag(b, fState, protowire.BytesType)
		b = protowire.AppendBytes(b, f.State)
	}
	b = appendVarint(b, fClock, f.Clock)
	b = appendString(b, fLabel, f.Label)
	b = appendVarint(b, fVersion, f.Version)
	if f.Notice != nil {
		var n []byte
		n = appendString(n, 1, f.Notice.Code)
		n = appendString(n, 2, f.Notice.Message)
		b = protowire.AppendTag(b, fNotice, protowire.BytesType)
		b = protowire.AppendBytes(b, n)
	}
	return b, nil
}

// Decode parses and validates a frame.
func (BinaryCodec) Decode(data []byte) (Frame, error) {
	var f Frame
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.Type = FrameType(v)
			return n, nil
		case num == fDocID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.DocID = v
			return n, nil
		case num == fClientID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.ClientID = v
			return n, nil
		case num == fOps && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			op, err := decodeOp(v)
			if err != nil {
				return 0, fmt.Errorf("ops[%d]: %w", len(f.Ops), err)
			}
			f.Ops = append(f.Ops, op)
			return n, nil
		case num == fPresence && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			p, err := decodePresence(v)
			if err != nil {
				return 0, fmt.Errorf("presence: %w", err)
			}
			f.Presence = &p
			return n, nil
		case num == fSummary && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			origin, clock, err := decodeSummaryEntry(v)
			if err != nil {
				return 0, fmt.Errorf("summary: %w", err)
			}
			if f.Summary == nil {
				f.Summary = ir.Summary{}
			}
			f.Summary[origin] = clock
			return n, nil
		case num == fState && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			f.State = append([]byte(nil), v...)
			return n, nil
		case num == fClock && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.Clock = int64(v)
			return n, nil
		case num == fLabel && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.Label = v
			return n, nil
		case num == fVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.Version = int64(v)
			return n, nil
		case num == fNotice && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			notice, err := decodeNotice(v)
			if err != nil {
				return 0, fmt.Errorf("notice: %w", err)
			}
			f.Notice = &notice
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Frame{}, malformed(err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, malformed(err)
	}
	return f, nil
}

// walk iterates the fields of a message. field consumes the value that
// follows the tag and returns its length, or a negative protowire error.
func walk(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func encodeOp(op ir.Operation) ([]byte, error) {
	var b []byte
	b = appendString(b, 1, op.Origin)
	b = appendVarint(b, 2, op.Clock)
	b = appendString(b, 3, op.Target.String())
	b = appendString(b, 4, string(op.Kind))
	if op.Payload != nil {
		payload, err := ir.MarshalCanonical(op.Payload)
		if err != nil {
			return nil, fmt.Errorf("payload %s: %w", op.Stamp(), err)
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b, nil
}

func decodeOp(data []byte) (ir.Operation, error) {
	var op ir.Operation
	var target string
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			op.Origin = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			op.Clock = int64(v)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			target = v
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			op.Kind = ir.OpKind(v)
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			payload, err := ir.UnmarshalValue(v)
			if err != nil {
				return 0, fmt.Errorf("payload: %w", err)
			}
			op.Payload = payload
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return ir.Operation{}, err
	}
	t, err := ir.ParseTarget(target)
	if err != nil {
		return ir.Operation{}, err
	}
	op.Target = t
	return op, nil
}

func encodePresence(p ir.PresenceState) []byte {
	var b []byte
	b = appendString(b, 1, p.ClientID)
	b = appendString(b, 2, p.Identity.UserID)
	b = appendString(b, 3, p.Identity.Name)
	b = appendString(b, 4, p.Color)
	if p.Cursor != nil {
		var c []byte
		c = appendSint(c, 1, p.Cursor.X)
		c = appendSint(c, 2, p.Cursor.Y)
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, c)
	}
	for _, id := range p.Selection {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	b = appendVarint(b, 7, p.Seq)
	b = appendVarint(b, 8, p.HeartbeatMs)
	return b
}

func decodePresence(data []byte) (ir.PresenceState, error) {
	p := ir.PresenceState{Selection: []string{}}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.ClientID = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.Identity.UserID = v
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.Identity.Name = v
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.Color = v
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			c, err := decodeCursor(v)
			if err != nil {
				return 0, err
			}
			p.Cursor = &c
			return n, nil
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.Selection = append(p.Selection, v)
			return n, nil
		case num == 7 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Seq = int64(v)
			return n, nil
		case num == 8 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.HeartbeatMs = int64(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return p, err
}

func decodeCursor(data []byte) (ir.Cursor, error) {
	var c ir.Cursor
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType && (num == 1 || num == 2) {
			v, n := protowire.ConsumeVarint(b)
			if num == 1 {
				c.X = protowire.DecodeZigZag(v)
			} else {
				c.Y = protowire.DecodeZigZag(v)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return c, err
}

func decodeSummaryEntry(data []byte) (string, int64, error) {
	var origin string
	var clock int64
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			origin = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			clock = int64(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return origin, clock, err
}

func decodeNotice(data []byte) (Notice, error) {
	var notice Notice
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			notice.Code = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			notice.Message = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return notice, err
}
