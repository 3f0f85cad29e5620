package domain

import (
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"
)

type NodeType string

const (
	NodeTypeInteraction        NodeType = "interaction"
	NodeTypeNavigation         NodeType = "navigation"
	NodeTypeObservation        NodeType = "observation"
	NodeTypeConditionCheck     NodeType = "condition_check"
	NodeTypeExternalCall       NodeType = "external_call"
	NodeTypeMemoryAction       NodeType = "memory_action"
	NodeTypeEnvironmentalState NodeType = "environmental_state"
	NodeTypeSceneEntry         NodeType = "scene_entry"
	NodeTypeDecision           NodeType = "decision"
)

var nodeTypes = []NodeType{
	NodeTypeInteraction,
	NodeTypeNavigation,
	NodeTypeObservation,
	NodeTypeConditionCheck,
	NodeTypeExternalCall,
	NodeTypeMemoryAction,
	NodeTypeEnvironmentalState,
	NodeTypeSceneEntry,
	NodeTypeDecision,
}

// NodeTypes returns the closed set of node types in declaration order.
func NodeTypes() []NodeType {
	out := make([]NodeType, len(nodeTypes))
	copy(out, nodeTypes)
	return out
}

func (t NodeType) Valid() bool {
	for _, known := range nodeTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (t NodeType) String() string {
	return string(t)
}

type Node struct {
	ID             string         `json:"id"`
	Type           NodeType       `json:"type"`
	Title          string         `json:"title"`
	ExpectedInput  any            `json:"expected_input,omitempty"`
	Input          any            `json:"input,omitempty"`
	Output         any            `json:"output,omitempty"`
	Trigger        string         `json:"trigger,omitempty"`
	FallbackAction string         `json:"fallback_action,omitempty"`
	Timeout        float64        `json:"timeout,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	Options        []string       `json:"options,omitempty"`
	Priority       []string       `json:"priority,omitempty"`
}

// TimeoutDuration converts the node timeout (seconds) to a duration. Zero means unbounded.
func (n Node) TimeoutDuration() time.Duration {
	if n.Timeout <= 0 {
		return 0
	}
	return time.Duration(n.Timeout * float64(time.Second))
}

type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// GraphMetadata carries the known metadata fields plus any free-form extras.
type GraphMetadata struct {
	EstimatedDuration  int            `json:"estimated_duration,omitempty"`
	Complexity         string         `json:"complexity,omitempty"`
	InterruptibleTypes []NodeType     `json:"interruptible_types,omitempty"`
	Extra              map[string]any `json:"-"`
}

func (m GraphMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.EstimatedDuration != 0 {
		out["estimated_duration"] = m.EstimatedDuration
	}
	if m.Complexity != "" {
		out["complexity"] = m.Complexity
	}
	if len(m.InterruptibleTypes) > 0 {
		out["interruptible_types"] = m.InterruptibleTypes
	}
	return json.Marshal(out)
}

func (m *GraphMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := MetadataFromMap(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MetadataFromMap splits a raw metadata object into known fields and extras.
func MetadataFromMap(raw map[string]any) (GraphMetadata, error) {
	var m GraphMetadata
	for k, v := range raw {
		switch k {
		case "estimated_duration":
			n, ok := v.(float64)
			if !ok {
				if i, isInt := v.(int); isInt {
					n, ok = float64(i), true
				}
			}
			if !ok {
				return m, fmt.Errorf("estimated_duration must be a number, got %T", v)
			}
			m.EstimatedDuration = int(n)
		case "complexity":
			s, ok := v.(string)
			if !ok {
				return m, fmt.Errorf("complexity must be a string, got %T", v)
			}
			m.Complexity = s
		case "interruptible_types":
			list, ok := v.([]any)
			if !ok {
				return m, fmt.Errorf("interruptible_types must be a list, got %T", v)
			}
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return m, fmt.Errorf("interruptible_types entries must be strings, got %T", item)
				}
				m.InterruptibleTypes = append(m.InterruptibleTypes, NodeType(s))
			}
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			m.Extra[k] = v
		}
	}
	return m, nil
}

// TaskGraph is immutable once returned by the loader.
type TaskGraph struct {
	GraphID      string        `json:"graph_id"`
	SceneType    string        `json:"scene_type"`
	Goal         string        `json:"goal"`
	Name         string        `json:"name,omitempty"`
	Description  string        `json:"description,omitempty"`
	EntryTrigger string        `json:"entry_trigger,omitempty"`
	Target       string        `json:"target,omitempty"`
	Nodes        []Node        `json:"nodes"`
	Edges        []Edge        `json:"edges"`
	Metadata     GraphMetadata `json:"metadata"`

	index    map[string]int
	outgoing map[string][]Edge
}

// Seal builds the lookup indexes. The loader calls it once validation passed.
func (g *TaskGraph) Seal() {
	g.index = make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		g.index[n.ID] = i
	}
	g.outgoing = make(map[string][]Edge, len(g.Nodes))
	for _, e := range g.Edges {
		g.outgoing[e.From] = append(g.outgoing[e.From], e)
	}
}

func (g *TaskGraph) sealed() bool {
	return g.index != nil
}

func (g *TaskGraph) Node(id string) (Node, bool) {
	if !g.sealed() {
		g.Seal()
	}
	i, ok := g.index[id]
	if !ok {
		return Node{}, false
	}
	return g.Nodes[i], true
}

func (g *TaskGraph) NodeIDs() []string {
	ids := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// Entry is the first node in declaration order.
func (g *TaskGraph) Entry() string {
	if len(g.Nodes) == 0 {
		return ""
	}
	return g.Nodes[0].ID
}

// Next picks the successor of nodeID. Edges whose condition equals route win,
// then the first unconditional edge. An empty result ends the graph.
func (g *TaskGraph) Next(nodeID, route string) string {
	if !g.sealed() {
		g.Seal()
	}
	edges := g.outgoing[nodeID]
	if route != "" {
		for _, e := range edges {
			if e.Condition == route {
				return e.To
			}
		}
	}
	for _, e := range edges {
		if e.Condition == "" {
			return e.To
		}
	}
	return ""
}

func (g *TaskGraph) Interruptible(t NodeType) bool {
	if len(g.Metadata.InterruptibleTypes) == 0 {
		return true
	}
	for _, it := range g.Metadata.InterruptibleTypes {
		if it == t {
			return true
		}
	}
	return false
}

// Summary lists node ids per type, used in logs.
func (g *TaskGraph) Summary() map[NodeType][]string {
	out := make(map[NodeType][]string)
	for _, n := range g.Nodes {
		out[n.Type] = append(out[n.Type], n.ID)
	}
	for t := range out {
		sort.Strings(out[t])
	}
	return out
}

// LinearEdges chains nodes in list order.
func LinearEdges(nodes []Node) []Edge {
	if len(nodes) < 2 {
		return []Edge{}
	}
	edges := make([]Edge, 0, len(nodes)-1)
	for i := 0; i < len(nodes)-1; i++ {
		edges = append(edges, Edge{From: nodes[i].ID, To: nodes[i+1].ID})
	}
	return edges
}
