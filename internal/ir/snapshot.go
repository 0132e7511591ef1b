package ir

import "fmt"

// VersionSnapshot is an immutable, versioned durable copy of document state.
//
// Version is assigned by the store and is monotonic per document. State is
// the canonical replica state (see doc.Document.SnapshotState) and Summary
// is the state vector it covers, so a replica hydrated from it can ask for
// exactly the operations logged afterwards.
type VersionSnapshot struct {
	ID        string  `json:"id"`
	DocID     string  `json:"doc_id"`
	Version   int64   `json:"version"`
	State     []byte  `json:"state"`
	StateHash string  `json:"state_hash"`
	Summary   Summary `json:"summary"`
	Author    string  `json:"author"`
	Label     string  `json:"label,omitempty"`
	CreatedMs int64   `json:"created_ms"`
}

// Info returns the listing form without the state payload.
func (s VersionSnapshot) Info() VersionInfo {
	return VersionInfo{
		ID:        s.ID,
		DocID:     s.DocID,
		Version:   s.Version,
		StateHash: s.StateHash,
		Author:    s.Author,
		Label:     s.Label,
		CreatedMs: s.CreatedMs,
	}
}

// Verify checks the stored hash against the state bytes.
func (s VersionSnapshot) Verify() error {
	if got := StateHash(s.State); got != s.StateHash {
		return fmt.Errorf("snapshot %s v%d: state hash mismatch", s.DocID, s.Version)
	}
	return nil
}

// VersionInfo is a snapshot listing entry.
type VersionInfo struct {
	ID        string `json:"id"`
	DocID     string `json:"doc_id"`
	Version   int64  `json:"version"`
	StateHash string `json:"state_hash"`
	Author    string `json:"author"`
	Label     string `json:"label,omitempty"`
	CreatedMs int64  `json:"created_ms"`
}
