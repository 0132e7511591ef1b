package ir

// Version constants for the wire protocol and engine.
const (
	// ProtocolVersion is sent in hello frames; relays reject other majors.
	ProtocolVersion = "1"

	// EngineVersion is the weave engine version.
	EngineVersion = "0.1.0"
)
