package executor

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

// Route labels produced by condition_check nodes.
const (
	RoutePassed = "passed"
	RouteFailed = "failed"
)

// SelectedOptionKey lets a front-end preselect a decision option through the task context.
const SelectedOptionKey = "selected_option"

func localHandlers() map[domain.NodeType]ports.Collaborator {
	return map[domain.NodeType]ports.Collaborator{
		domain.NodeTypeConditionCheck: ports.CollaboratorFunc(conditionCheck),
		domain.NodeTypeDecision:       ports.CollaboratorFunc(decide),
		domain.NodeTypeSceneEntry:     ports.CollaboratorFunc(enterScene),
	}
}

// conditionCheck evaluates config.condition and config.required_items against
// the task context. A failed check is a route, not an error.
func conditionCheck(_ context.Context, req ports.NodeRequest) (ports.NodeResponse, error) {
	condition := configString(req.Node.Config, "condition", "true")
	required := configStrings(req.Node.Config, "required_items")

	passed, err := evaluate(condition, req.Context)
	if err != nil {
		return ports.NodeResponse{}, err
	}

	var missing []string
	for _, item := range required {
		if !hasItem(req.Context, item) {
			missing = append(missing, item)
		}
	}
	passed = passed && len(missing) == 0

	route, verdict := RoutePassed, "passed"
	if !passed {
		route, verdict = RouteFailed, "failed"
	}
	return ports.NodeResponse{
		Success: true,
		Output: map[string]any{
			"condition":      condition,
			"passed":         passed,
			"required_items": required,
			"missing_items":  missing,
			"route":          route,
			"message":        fmt.Sprintf("condition check %s", verdict),
		},
	}, nil
}

// evaluate understands "true", "false", "key", "key==value" and "key!=value".
func evaluate(condition string, ctx map[string]any) (bool, error) {
	condition = strings.TrimSpace(condition)
	switch strings.ToLower(condition) {
	case "", "true":
		return true, nil
	case "false":
		return false, nil
	}

	if key, want, ok := strings.Cut(condition, "!="); ok {
		return fmt.Sprint(ctx[strings.TrimSpace(key)]) != strings.TrimSpace(want), nil
	}
	if key, want, ok := strings.Cut(condition, "=="); ok {
		return fmt.Sprint(ctx[strings.TrimSpace(key)]) == strings.TrimSpace(want), nil
	}
	if strings.ContainsAny(condition, " <>=!") {
		return false, fmt.Errorf("%w: unsupported condition %q", domain.ErrInvalidInput, condition)
	}
	return truthy(ctx[condition]), nil
}

// hasItem checks the context for a truthy key or a membership in its "items" list.
func hasItem(ctx map[string]any, item string) bool {
	if truthy(ctx[item]) {
		return true
	}
	switch items := ctx["items"].(type) {
	case []any:
		for _, v := range items {
			if fmt.Sprint(v) == item {
				return true
			}
		}
	case []string:
		return slices.Contains(items, item)
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// decide picks the first priority entry that is also an option, then an
// option preselected in the context, then the first option.
func decide(_ context.Context, req ports.NodeRequest) (ports.NodeResponse, error) {
	options := req.Node.Options
	priority := req.Node.Priority

	selected := ""
	for _, p := range priority {
		if len(options) == 0 || slices.Contains(options, p) {
			selected = p
			break
		}
	}
	if selected == "" {
		if pre, ok := req.Context[SelectedOptionKey].(string); ok && slices.Contains(options, pre) {
			selected = pre
		}
	}
	if selected == "" && len(options) > 0 {
		selected = options[0]
	}
	if selected == "" {
		return ports.NodeResponse{}, fmt.Errorf("%w: decision node %s has no options", domain.ErrInvalidInput, req.Node.ID)
	}

	return ports.NodeResponse{
		Success: true,
		Output: map[string]any{
			"options":  options,
			"priority": priority,
			"selected": selected,
			"route":    selected,
			"message":  fmt.Sprintf("selected option: %s", selected),
		},
	}, nil
}

func enterScene(_ context.Context, req ports.NodeRequest) (ports.NodeResponse, error) {
	sceneID := configString(req.Node.Config, "scene_id", "")
	return ports.NodeResponse{
		Success: true,
		Output: map[string]any{
			"scene_id": sceneID,
			"message":  fmt.Sprintf("entered scene: %s", sceneID),
			ContextKey: map[string]any{"scene_id": sceneID},
		},
	}, nil
}

func configString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

func configStrings(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return []string{}
}
