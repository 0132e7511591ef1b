package harness

import "github.com/roach88/weave/internal/ir"

// TraceEvent records what one step did.
type TraceEvent struct {
	Step    int    `json:"step"`
	Do      string `json:"do"`
	Replica string `json:"replica,omitempty"`

	// Ops are the operations a local step generated, as
	// "<origin>@<clock> <kind> <target>".
	Ops []string `json:"ops,omitempty"`

	// Delivered counts the distinct operations a sync applied per replica.
	Delivered map[string]int `json:"delivered,omitempty"`

	// Expired lists, per observer, the peers an advance evicted.
	Expired map[string][]string `json:"expired,omitempty"`

	// Note is a short outcome: "rejected", a version, restore conflicts.
	Note string `json:"note,omitempty"`
}

// Value renders the event for canonical JSON.
func (e TraceEvent) Value() map[string]any {
	out := map[string]any{"step": e.Step, "do": e.Do}
	if e.Replica != "" {
		out["replica"] = e.Replica
	}
	if len(e.Ops) > 0 {
		out["ops"] = e.Ops
	}
	if len(e.Delivered) > 0 {
		m := make(map[string]any, len(e.Delivered))
		for k, v := range e.Delivered {
			m[k] = v
		}
		out["delivered"] = m
	}
	if len(e.Expired) > 0 {
		m := make(map[string]any, len(e.Expired))
		for k, v := range e.Expired {
			m[k] = v
		}
		out["expired"] = m
	}
	if e.Note != "" {
		out["note"] = e.Note
	}
	return out
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step behaved as scripted and every assertion
	// held.
	Pass bool `json:"pass"`

	// Trace has one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Views holds each replica's final document view.
	Views map[string]ir.View `json:"views"`

	// Final is the view of the first replica.
	Final ir.View `json:"final"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Views:  make(map[string]ir.View),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
