package executor

import (
	"context"
	"testing"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	ctx := map[string]any{
		"has_id":    true,
		"empty":     "",
		"floor":     float64(3),
		"ticket":    "A12",
		"no_access": false,
	}
	tests := []struct {
		condition string
		want      bool
	}{
		{"", true},
		{"true", true},
		{"FALSE", false},
		{"has_id", true},
		{"empty", false},
		{"no_access", false},
		{"missing", false},
		{"floor==3", true},
		{"floor == 4", false},
		{"ticket!=B1", true},
		{"ticket != A12", false},
	}
	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			got, err := evaluate(tt.condition, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := evaluate("floor > 2", ctx)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConditionCheck_RequiredItems(t *testing.T) {
	node := domain.Node{
		ID:     "docs",
		Type:   domain.NodeTypeConditionCheck,
		Config: map[string]any{"required_items": []any{"id_card", "insurance_card"}},
	}

	resp, err := conditionCheck(context.Background(), ports.NodeRequest{
		Node:    node,
		Context: map[string]any{"items": []any{"id_card"}},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, false, resp.Output["passed"])
	assert.Equal(t, RouteFailed, resp.Output["route"])
	assert.Equal(t, []string{"insurance_card"}, resp.Output["missing_items"])

	resp, err = conditionCheck(context.Background(), ports.NodeRequest{
		Node:    node,
		Context: map[string]any{"items": []any{"id_card"}, "insurance_card": true},
	})
	require.NoError(t, err)
	assert.Equal(t, RoutePassed, resp.Output["route"])
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		options  []string
		priority []string
		ctx      map[string]any
		want     string
	}{
		{"priority wins", []string{"left", "right"}, []string{"right"}, nil, "right"},
		{"priority not an option", []string{"left", "right"}, []string{"up"}, nil, "left"},
		{"context preselect", []string{"left", "right"}, nil, map[string]any{SelectedOptionKey: "right"}, "right"},
		{"first option", []string{"stairs", "lift"}, nil, nil, "stairs"},
		{"priority only", nil, []string{"bus"}, nil, "bus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := decide(context.Background(), ports.NodeRequest{
				Node:    domain.Node{ID: "d", Type: domain.NodeTypeDecision, Options: tt.options, Priority: tt.priority},
				Context: tt.ctx,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Output["selected"])
			assert.Equal(t, tt.want, resp.Output["route"])
		})
	}

	_, err := decide(context.Background(), ports.NodeRequest{Node: domain.Node{ID: "d"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSceneEntry_UpdatesTaskContext(t *testing.T) {
	f := newFixture(t, domain.ExecutorConfig{}, []string{"enter"})
	node := domain.Node{ID: "enter", Type: domain.NodeTypeSceneEntry, Title: "e", Config: map[string]any{"scene_id": "outpatient_hall"}}

	res, err := f.exec.Execute(context.Background(), "t1", node, nil)
	require.NoError(t, err)
	assert.False(t, res.Mocked)

	ctx, err := f.state.Context("t1")
	require.NoError(t, err)
	assert.Equal(t, "outpatient_hall", ctx["scene_id"])
}

func TestMockOutputs(t *testing.T) {
	for _, nt := range domain.NodeTypes() {
		resp, err := mockExecute(context.Background(), ports.NodeRequest{Node: domain.Node{ID: "n", Type: nt}})
		require.NoError(t, err, nt)
		assert.True(t, resp.Success, nt)
		assert.NotEmpty(t, resp.Output, nt)
	}

	resp, _ := mockExecute(context.Background(), ports.NodeRequest{
		Node: domain.Node{ID: "q", Type: domain.NodeTypeInteraction, Config: map[string]any{"question": "ready?"}},
	})
	assert.Equal(t, "ready?", resp.Output["question"])
	assert.Equal(t, "yes", resp.Output["response"])
}
