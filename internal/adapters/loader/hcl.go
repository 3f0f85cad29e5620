package loader

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/xjson"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// hclGraph is the HCL rendition of a task graph:
//
//	graph_id   = "hospital_visit"
//	scene_type = "hospital"
//	goal       = "see the cardiologist"
//
//	node "plan_route" {
//	  type    = "navigation"
//	  title   = "Plan the route"
//	  timeout = 120
//	}
//
//	edge {
//	  from = "plan_route"
//	  to   = "check_in"
//	}
type hclGraph struct {
	GraphID      string       `hcl:"graph_id,optional"`
	SceneType    string       `hcl:"scene_type,optional"`
	Scene        string       `hcl:"scene,optional"`
	Goal         string       `hcl:"goal,optional"`
	Name         string       `hcl:"name,optional"`
	Description  string       `hcl:"description,optional"`
	EntryTrigger string       `hcl:"entry_trigger,optional"`
	Target       string       `hcl:"target,optional"`
	Nodes        []*hclNode   `hcl:"node,block"`
	Edges        []*hclEdge   `hcl:"edge,block"`
	Metadata     *hclMetadata `hcl:"metadata,block"`
}

type hclNode struct {
	ID             string    `hcl:"id,label"`
	Type           string    `hcl:"type,optional"`
	Title          string    `hcl:"title,optional"`
	Trigger        string    `hcl:"trigger,optional"`
	FallbackAction string    `hcl:"fallback_action,optional"`
	Timeout        float64   `hcl:"timeout,optional"`
	Options        []string  `hcl:"options,optional"`
	Priority       []string  `hcl:"priority,optional"`
	ExpectedInput  cty.Value `hcl:"expected_input,optional"`
	Input          cty.Value `hcl:"input,optional"`
	Output         cty.Value `hcl:"output,optional"`
	Config         cty.Value `hcl:"config,optional"`
}

type hclEdge struct {
	From      string `hcl:"from"`
	To        string `hcl:"to"`
	Condition string `hcl:"condition,optional"`
}

type hclMetadata struct {
	EstimatedDuration  *int     `hcl:"estimated_duration,optional"`
	Complexity         *string  `hcl:"complexity,optional"`
	InterruptibleTypes []string `hcl:"interruptible_types,optional"`
	Body               hcl.Body `hcl:",remain"`
}

func decodeHCL(data []byte, filename string) (*rawGraph, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, &domain.ValidationError{Field: "document", Message: "not valid HCL", Err: diags}
	}

	var parsed hclGraph
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, &domain.ValidationError{Field: "document", Message: "unexpected HCL structure", Err: diags}
	}

	raw := &rawGraph{
		GraphID:      parsed.GraphID,
		SceneType:    parsed.SceneType,
		Scene:        parsed.Scene,
		Goal:         parsed.Goal,
		Name:         parsed.Name,
		Description:  parsed.Description,
		EntryTrigger: parsed.EntryTrigger,
		Target:       parsed.Target,
	}

	for i, n := range parsed.Nodes {
		node := rawNode{
			ID:             n.ID,
			Type:           n.Type,
			Title:          n.Title,
			Trigger:        n.Trigger,
			FallbackAction: n.FallbackAction,
			Timeout:        n.Timeout,
			Options:        n.Options,
			Priority:       n.Priority,
		}
		var err error
		field := func(name string) string { return fmt.Sprintf("nodes[%d].%s", i, name) }
		if node.ExpectedInput, err = ctyToGo(n.ExpectedInput); err != nil {
			return nil, &domain.ValidationError{Field: field("expected_input"), Message: "unsupported value", Err: err}
		}
		if node.Input, err = ctyToGo(n.Input); err != nil {
			return nil, &domain.ValidationError{Field: field("input"), Message: "unsupported value", Err: err}
		}
		if node.Output, err = ctyToGo(n.Output); err != nil {
			return nil, &domain.ValidationError{Field: field("output"), Message: "unsupported value", Err: err}
		}
		config, err := ctyToGo(n.Config)
		if err != nil {
			return nil, &domain.ValidationError{Field: field("config"), Message: "unsupported value", Err: err}
		}
		if config != nil {
			m, ok := config.(map[string]any)
			if !ok {
				return nil, domain.NewValidationError(field("config"), "must be an object")
			}
			node.Config = m
		}
		raw.Nodes = append(raw.Nodes, node)
	}

	for _, e := range parsed.Edges {
		raw.Edges = append(raw.Edges, rawEdge{From: e.From, To: e.To, Condition: e.Condition})
	}

	if parsed.Metadata != nil {
		meta, err := decodeHCLMetadata(parsed.Metadata)
		if err != nil {
			return nil, err
		}
		raw.Metadata = meta
	}

	return raw, nil
}

func decodeHCLMetadata(m *hclMetadata) (map[string]any, error) {
	out := make(map[string]any)
	if m.EstimatedDuration != nil {
		out["estimated_duration"] = float64(*m.EstimatedDuration)
	}
	if m.Complexity != nil {
		out["complexity"] = *m.Complexity
	}
	if m.InterruptibleTypes != nil {
		list := make([]any, len(m.InterruptibleTypes))
		for i, t := range m.InterruptibleTypes {
			list[i] = t
		}
		out["interruptible_types"] = list
	}

	if m.Body == nil {
		return out, nil
	}
	attrs, diags := m.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, &domain.ValidationError{Field: "metadata", Message: "only attributes are allowed", Err: diags}
	}
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, &domain.ValidationError{Field: "metadata." + name, Message: "cannot evaluate", Err: diags}
		}
		goVal, err := ctyToGo(val)
		if err != nil {
			return nil, &domain.ValidationError{Field: "metadata." + name, Message: "unsupported value", Err: err}
		}
		out[name] = goVal
	}
	return out, nil
}

// ctyToGo converts a cty value into the same shapes a JSON decode would produce.
func ctyToGo(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known at load time")
	}
	data, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil, err
	}
	var out any
	if err := xjson.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
