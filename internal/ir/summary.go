package ir

// Summary is a state vector: for each known origin, the highest clock of its
// operations a replica has observed. Because each client's operations are
// delivered in generation order, a summary describes exactly which
// operations a replica holds, and the resync handshake exchanges only it.
type Summary map[string]int64

// Observe raises the entry for origin to clock if higher.
func (s Summary) Observe(origin string, clock int64) {
	if clock > s[origin] {
		s[origin] = clock
	}
}

// Covers reports whether the summary already includes the given operation.
func (s Summary) Covers(origin string, clock int64) bool {
	return clock <= s[origin]
}

// Merge raises every entry to the maximum of both summaries.
func (s Summary) Merge(o Summary) {
	for origin, clock := range o {
		s.Observe(origin, clock)
	}
}

// Clone returns an independent copy. A nil summary clones to an empty one.
func (s Summary) Clone() Summary {
	out := make(Summary, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Max returns the highest clock across all origins.
func (s Summary) Max() int64 {
	var m int64
	for _, v := range s {
		m = max(m, v)
	}
	return m
}

// Value encodes the summary as an Object for canonical state output.
func (s Summary) Value() Object {
	obj := make(Object, len(s))
	for k, v := range s {
		obj[k] = Int(v)
	}
	return obj
}
