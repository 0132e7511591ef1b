package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOp() Operation {
	return Operation{
		Origin:  "alice",
		Clock:   3,
		Target:  NodeField("n1", FieldType),
		Kind:    KindSet,
		Payload: String("http"),
	}
}

func TestOperationHashDeterminism(t *testing.T) {
	h1, err := OperationHash(sampleOp())
	require.NoError(t, err)
	h2, err := OperationHash(sampleOp())
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64, "SHA-256 hex is 64 characters")
}

func TestOperationHashChangesWithContent(t *testing.T) {
	base, err := OperationHash(sampleOp())
	require.NoError(t, err)

	mutations := map[string]func(*Operation){
		"origin":  func(op *Operation) { op.Origin = "bob" },
		"clock":   func(op *Operation) { op.Clock = 4 },
		"target":  func(op *Operation) { op.Target = NodeField("n2", FieldType) },
		"payload": func(op *Operation) { op.Payload = String("llm") },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			op := sampleOp()
			mutate(&op)
			h, err := OperationHash(op)
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}
}

func TestDomainSeparationPreventsCrossTypeCollision(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t, hashWithDomain(DomainState, data), hashWithDomain(DomainOperation, data))
}

func TestHashWithDomainNullSeparator(t *testing.T) {
	// "ab" + 0x00 + "c" must differ from "a" + 0x00 + "bc"
	assert.NotEqual(t, hashWithDomain("ab", []byte("c")), hashWithDomain("a", []byte("bc")))
}

func TestStateHashStable(t *testing.T) {
	assert.Equal(t, StateHash([]byte(`{}`)), StateHash([]byte(`{}`)))
	assert.NotEqual(t, StateHash([]byte(`{}`)), StateHash([]byte(`{"a":1}`)))
}

func TestSnapshotVerify(t *testing.T) {
	state := []byte(`{"nodes":{}}`)
	snap := VersionSnapshot{DocID: "d", Version: 1, State: state, StateHash: StateHash(state)}
	require.NoError(t, snap.Verify())

	snap.State = []byte(`{"nodes":{"x":{}}}`)
	assert.Error(t, snap.Verify())
}
