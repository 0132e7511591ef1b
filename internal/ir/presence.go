package ir

// Cursor is a pointer position on the canvas.
type Cursor struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
}

// Identity is how a collaborator is displayed to others.
type Identity struct {
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name"`
}

// PresenceState is the ephemeral, per-client awareness record. It is never
// part of the document and never written to durable storage.
//
// Seq increases with every broadcast from the same client so receivers can
// drop reordered frames. HeartbeatMs is the sender's wall clock in unix
// milliseconds and is informational only: liveness is judged by the
// receiver's own clock at receipt.
type PresenceState struct {
	ClientID    string   `json:"client_id"`
	Identity    Identity `json:"identity"`
	Color       string   `json:"color,omitempty"`
	Cursor      *Cursor  `json:"cursor,omitempty"`
	Selection   []string `json:"selection"`
	Seq         int64    `json:"seq"`
	HeartbeatMs int64    `json:"heartbeat_ms"`
}

// Clone returns a copy that shares no slices or pointers with p.
func (p PresenceState) Clone() PresenceState {
	out := p
	if p.Cursor != nil {
		c := *p.Cursor
		out.Cursor = &c
	}
	out.Selection = append([]string{}, p.Selection...)
	return out
}
