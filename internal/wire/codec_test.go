package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/roach88/weave/internal/ir"
)

func sampleFrames() map[string]Frame {
	ops := []ir.Operation{
		{Origin: "alice", Clock: 1, Target: ir.NodeTarget("n1"), Kind: ir.KindInsert,
			Payload: ir.NodeRecord{Type: "http", Position: ir.Position{X: -5, Y: 12}, Config: ir.Object{"url": ir.String("https://x")}}.Value()},
		{Origin: "alice", Clock: 2, Target: ir.NodeConfig("n1", "headers/accept"), Kind: ir.KindSet, Payload: ir.Array{ir.String("a"), ir.Int(2), ir.Bool(false)}},
		{Origin: "alice", Clock: 3, Target: ir.EdgeField("e1", ir.FieldLabel), Kind: ir.KindDelete},
	}
	return map[string]Frame{
		"ops":      {Type: FrameOps, DocID: "d1", ClientID: "alice", Ops: ops},
		"presence": {Type: FramePresence, DocID: "d1", Presence: &ir.PresenceState{
			ClientID:    "alice",
			Identity:    ir.Identity{UserID: "u1", Name: "Alice"},
			Color:       "#ff0000",
			Cursor:      &ir.Cursor{X: -3, Y: 400},
			Selection:   []string{"n1", "n2"},
			Seq:         7,
			HeartbeatMs: 1700000000000,
		}},
		"hello":       {Type: FrameHello, DocID: "d1", ClientID: "alice", Summary: ir.Summary{"alice": 3, "bob": 9}},
		"hello empty": {Type: FrameHello, DocID: "d1", ClientID: "carol"},
		"sync delta":  {Type: FrameSync, DocID: "d1", Summary: ir.Summary{"bob": 9}, Ops: ops},
		"sync state":  {Type: FrameSync, DocID: "d1", Summary: ir.Summary{"bob": 9}, State: []byte(`{"nodes":{}}`)},
		"ack":         {Type: FrameAck, DocID: "d1", ClientID: "alice", Clock: 3},
		"save":        {Type: FrameSave, DocID: "d1", ClientID: "alice", Label: "before refactor"},
		"notice":      {Type: FrameNotice, DocID: "d1", Version: 4, Notice: &Notice{Code: NoticeSaved, Message: "saved v4"}},
		"leave":       {Type: FrameLeave, DocID: "d1", ClientID: "alice"},
	}
}

func TestCodecsRoundTrip(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, BinaryCodec{}} {
		for name, frame := range sampleFrames() {
			t.Run(codec.Name()+"/"+name, func(t *testing.T) {
				data, err := codec.Encode(frame)
				require.NoError(t, err)
				got, err := codec.Decode(data)
				require.NoError(t, err)
				assert.Equal(t, frame, got)
			})
		}
	}
}

func TestCodecsAgree(t *testing.T) {
	for name, frame := range sampleFrames() {
		t.Run(name, func(t *testing.T) {
			jsonData, err := JSONCodec{}.Encode(frame)
			require.NoError(t, err)
			fromJSON, err := JSONCodec{}.Decode(jsonData)
			require.NoError(t, err)

			binData, err := BinaryCodec{}.Encode(fromJSON)
			require.NoError(t, err)
			fromBin, err := BinaryCodec{}.Decode(binData)
			require.NoError(t, err)

			assert.Equal(t, fromJSON, fromBin)
			assert.Less(t, len(binData), len(jsonData), "binary frames are more compact")
		})
	}
}

func TestJSONDecodeRejectsMalformed(t *testing.T) {
	inputs := map[string]string{
		"not json":       `{"type":`,
		"unknown type":   `{"type":"gossip"}`,
		"float payload":  `{"type":"ops","ops":[{"origin":"a","clock":1,"target":"meta:k","kind":"set","payload":1.5}]}`,
		"null payload":   `{"type":"ops","ops":[{"origin":"a","clock":1,"target":"meta:k","kind":"set","payload":null}]}`,
		"bad target":     `{"type":"ops","ops":[{"origin":"a","clock":1,"target":"node:n1/colour","kind":"set","payload":"x"}]}`,
		"missing origin": `{"type":"ops","ops":[{"clock":1,"target":"meta:k","kind":"set","payload":"x"}]}`,
		"empty ops":      `{"type":"ops","ops":[]}`,
		"presence no id": `{"type":"presence","presence":{"client_id":""}}`,
		"hello no id":    `{"type":"hello"}`,
		"notice no code": `{"type":"notice","notice":{}}`,
		"float summary":  `{"type":"hello","client_id":"a","summary":{"a":1.5}}`,
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := JSONCodec{}.Decode([]byte(input))
			require.Error(t, err)
			assert.True(t, ir.IsMalformed(err))
		})
	}
}

func TestBinaryDecodeRejectsMalformed(t *testing.T) {
	good, err := BinaryCodec{}.Encode(sampleFrames()["ops"])
	require.NoError(t, err)

	_, err = BinaryCodec{}.Decode(good[:len(good)-3])
	assert.True(t, ir.IsMalformed(err), "truncated frame")

	var badOp []byte
	badOp = appendString(badOp, 1, "a")
	badOp = appendVarint(badOp, 2, 1)
	badOp = appendString(badOp, 3, "widget:w1")
	badOp = appendString(badOp, 4, "set")
	var frame []byte
	frame = appendString(frame, fType, string(FrameOps))
	frame = protowire.AppendTag(frame, fOps, protowire.BytesType)
	frame = protowire.AppendBytes(frame, badOp)
	_, err = BinaryCodec{}.Decode(frame)
	assert.True(t, ir.IsMalformed(err), "unknown target entity")
}

func TestBinaryDecodeSkipsUnknownFields(t *testing.T) {
	data, err := BinaryCodec{}.Encode(sampleFrames()["ack"])
	require.NoError(t, err)
	data = protowire.AppendTag(data, 99, protowire.VarintType)
	data = protowire.AppendVarint(data, 12345)
	data = appendString(data, 100, "future")

	got, err := BinaryCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, sampleFrames()["ack"], got)
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("binary")
	require.NoError(t, err)
	assert.True(t, c.Binary())

	c, err = CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = CodecByName("xml")
	assert.Error(t, err)
}
