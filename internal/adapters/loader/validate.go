package loader

import (
	"fmt"

	"github.com/luna-badge/taskcore/internal/domain"
)

// rawGraph mirrors the on-disk document before validation.
type rawGraph struct {
	GraphID      string         `json:"graph_id"`
	SceneType    string         `json:"scene_type"`
	Scene        string         `json:"scene"`
	Goal         string         `json:"goal"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	EntryTrigger string         `json:"entry_trigger"`
	Target       string         `json:"target"`
	Nodes        []rawNode      `json:"nodes"`
	Edges        []rawEdge      `json:"edges"`
	Metadata     map[string]any `json:"metadata"`
}

type rawNode struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Title          string         `json:"title"`
	ExpectedInput  any            `json:"expected_input"`
	Input          any            `json:"input"`
	Output         any            `json:"output"`
	Trigger        string         `json:"trigger"`
	FallbackAction string         `json:"fallback_action"`
	Timeout        float64        `json:"timeout"`
	Config         map[string]any `json:"config"`
	Options        []string       `json:"options"`
	Priority       []string       `json:"priority"`
}

type rawEdge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	FromNode  string `json:"from_node"`
	ToNode    string `json:"to_node"`
	Condition string `json:"condition"`
}

func (e rawEdge) endpoints() (string, string) {
	from, to := e.From, e.To
	if from == "" {
		from = e.FromNode
	}
	if to == "" {
		to = e.ToNode
	}
	return from, to
}

// validate either returns a complete graph or the first violation found.
func validate(raw *rawGraph) (*domain.TaskGraph, error) {
	if raw.GraphID == "" {
		return nil, domain.NewValidationError("graph_id", "required")
	}
	scene := raw.SceneType
	if scene == "" {
		scene = raw.Scene
	}
	if scene == "" {
		return nil, domain.NewValidationError("scene_type", "required")
	}
	if raw.Goal == "" {
		return nil, domain.NewValidationError("goal", "required")
	}
	if len(raw.Nodes) == 0 {
		return nil, domain.NewValidationError("nodes", "must be a non-empty list")
	}

	nodes := make([]domain.Node, 0, len(raw.Nodes))
	seen := make(map[string]int, len(raw.Nodes))
	for i, rn := range raw.Nodes {
		field := func(name string) string { return fmt.Sprintf("nodes[%d].%s", i, name) }

		if rn.ID == "" {
			return nil, domain.NewValidationError(field("id"), "required")
		}
		if prev, dup := seen[rn.ID]; dup {
			return nil, domain.NewValidationError(field("id"), fmt.Sprintf("duplicate id %q (also nodes[%d])", rn.ID, prev))
		}
		seen[rn.ID] = i

		if rn.Type == "" {
			return nil, domain.NewValidationError(field("type"), "required")
		}
		nodeType := domain.NodeType(rn.Type)
		if !nodeType.Valid() {
			return nil, domain.NewValidationError(field("type"), fmt.Sprintf("unknown node type %q", rn.Type))
		}
		if rn.Title == "" {
			return nil, domain.NewValidationError(field("title"), "required")
		}
		if rn.Timeout < 0 {
			return nil, domain.NewValidationError(field("timeout"), "must not be negative")
		}

		nodes = append(nodes, domain.Node{
			ID:             rn.ID,
			Type:           nodeType,
			Title:          rn.Title,
			ExpectedInput:  rn.ExpectedInput,
			Input:          rn.Input,
			Output:         rn.Output,
			Trigger:        rn.Trigger,
			FallbackAction: rn.FallbackAction,
			Timeout:        rn.Timeout,
			Config:         rn.Config,
			Options:        rn.Options,
			Priority:       rn.Priority,
		})
	}

	var edges []domain.Edge
	if len(raw.Edges) == 0 {
		edges = domain.LinearEdges(nodes)
	} else {
		edges = make([]domain.Edge, 0, len(raw.Edges))
		for i, re := range raw.Edges {
			from, to := re.endpoints()
			if _, ok := seen[from]; !ok {
				return nil, domain.NewValidationError(fmt.Sprintf("edges[%d].from", i), fmt.Sprintf("unknown node %q", from))
			}
			if _, ok := seen[to]; !ok {
				return nil, domain.NewValidationError(fmt.Sprintf("edges[%d].to", i), fmt.Sprintf("unknown node %q", to))
			}
			edges = append(edges, domain.Edge{From: from, To: to, Condition: re.Condition})
		}
		if node, cyclic := findCycle(nodes, edges); cyclic {
			return nil, domain.NewValidationError("edges", fmt.Sprintf("cycle through node %q", node))
		}
	}

	metadata, err := domain.MetadataFromMap(raw.Metadata)
	if err != nil {
		return nil, &domain.ValidationError{Field: "metadata", Message: "malformed", Err: err}
	}
	for i, t := range metadata.InterruptibleTypes {
		if !t.Valid() {
			return nil, domain.NewValidationError(fmt.Sprintf("metadata.interruptible_types[%d]", i), fmt.Sprintf("unknown node type %q", t))
		}
	}

	graph := &domain.TaskGraph{
		GraphID:      raw.GraphID,
		SceneType:    scene,
		Goal:         raw.Goal,
		Name:         raw.Name,
		Description:  raw.Description,
		EntryTrigger: raw.EntryTrigger,
		Target:       raw.Target,
		Nodes:        nodes,
		Edges:        edges,
		Metadata:     metadata,
	}
	graph.Seal()
	return graph, nil
}

// findCycle runs a three-colour DFS over the edge set.
func findCycle(nodes []domain.Node, edges []domain.Edge) (string, bool) {
	adj := make(map[string][]string, len(nodes))
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(nodes))

	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		colour[id] = grey
		for _, next := range adj[id] {
			switch colour[next] {
			case grey:
				return next, true
			case white:
				if n, found := visit(next); found {
					return n, true
				}
			}
		}
		colour[id] = black
		return "", false
	}

	for _, n := range nodes {
		if colour[n.ID] == white {
			if id, found := visit(n.ID); found {
				return id, true
			}
		}
	}
	return "", false
}
