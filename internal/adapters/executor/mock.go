package executor

import (
	"context"
	"fmt"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

// mockExecute stands in for node types without a collaborator. Output is
// deterministic so graphs can be exercised end to end on a bare device.
func mockExecute(_ context.Context, req ports.NodeRequest) (ports.NodeResponse, error) {
	cfg := req.Node.Config
	var out map[string]any

	switch req.Node.Type {
	case domain.NodeTypeNavigation:
		destination := configString(cfg, "destination", "unknown destination")
		out = map[string]any{
			"destination":    destination,
			"transport_mode": configString(cfg, "transport_mode", "walking"),
			"estimated_time": 30,
			"distance":       2.5,
			"message":        fmt.Sprintf("navigating to %s", destination),
		}
	case domain.NodeTypeInteraction:
		options := configStrings(cfg, "options")
		if len(options) == 0 {
			options = []string{"yes", "no"}
		}
		out = map[string]any{
			"question": configString(cfg, "question", "please confirm"),
			"response": options[0],
			"options":  options,
			"message":  fmt.Sprintf("user responded: %s", options[0]),
		}
	case domain.NodeTypeObservation:
		detected := []string{"hospital", "entrance", "signboard"}
		out = map[string]any{
			"observation_type": configString(cfg, "type", "ocr"),
			"target":           configString(cfg, "target", "signboard"),
			"detected_objects": detected,
			"confidence":       0.95,
			"message":          fmt.Sprintf("observed %d objects", len(detected)),
		}
	case domain.NodeTypeExternalCall:
		service := configString(cfg, "service", "unknown")
		out = map[string]any{
			"service":      service,
			"service_type": configString(cfg, "service_type", ""),
			"result":       fmt.Sprintf("%s call succeeded", service),
			"data":         map[string]any{},
		}
	case domain.NodeTypeMemoryAction:
		action := configString(cfg, "action", "save")
		out = map[string]any{
			"action":      action,
			"memory_type": configString(cfg, "memory_type", "default"),
			"fields":      configStrings(cfg, "fields"),
			"message":     fmt.Sprintf("memory %s done", action),
		}
	case domain.NodeTypeEnvironmentalState:
		out = map[string]any{
			"trigger": req.Node.Trigger,
			"state":   "active",
			"message": "environment state normal",
		}
	default:
		out = map[string]any{
			"message": fmt.Sprintf("%s node %s done", req.Node.Type, req.Node.ID),
		}
	}

	return ports.NodeResponse{Success: true, Output: out}, nil
}
