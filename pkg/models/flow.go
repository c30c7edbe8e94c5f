package models

import "time"

// Flow is the stored flow definition as the engine sees it: an identifier and
// a node list. Node semantics (what a node computes) live outside this core;
// the engine only needs node identity and count.
type Flow struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	Nodes     []*FlowNode `json:"nodes"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// FlowNode is a node within a flow graph.
type FlowNode struct {
	ID     string         `json:"id"   validate:"required"`
	Type   string         `json:"type" validate:"required"`
	Config map[string]any `json:"config,omitempty"`
}

// NodeCount returns the number of nodes in the flow definition.
func (f *Flow) NodeCount() int {
	if f == nil {
		return 0
	}

	return len(f.Nodes)
}
