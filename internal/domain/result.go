package domain

import "time"

type FallbackResult struct {
	Action   string         `json:"fallback_action"`
	Executed bool           `json:"executed"`
	Message  string         `json:"message"`
	Output   map[string]any `json:"output,omitempty"`
}

type NodeResult struct {
	NodeID    string          `json:"node_id"`
	NodeType  NodeType        `json:"node_type"`
	Status    NodeStatus      `json:"status"`
	Success   bool            `json:"success"`
	Output    map[string]any  `json:"output,omitempty"`
	Duration  time.Duration   `json:"duration"`
	Timestamp time.Time       `json:"timestamp"`
	Mocked    bool            `json:"mocked"`
	Fallback  *FallbackResult `json:"fallback,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Route is the branch label carried in a node output.
func (r *NodeResult) Route() string {
	if r == nil || r.Output == nil {
		return ""
	}
	route, _ := r.Output["route"].(string)
	return route
}
