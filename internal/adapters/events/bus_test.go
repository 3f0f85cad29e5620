package events

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luna-badge/taskcore/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, ch <-chan domain.TaskEvent) domain.TaskEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
		return domain.TaskEvent{}
	}
}

func TestPatternMatching(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		matches bool
	}{
		{"*", "anything", true},
		{"task:*", "task:visit:started", true},
		{"task:visit:*", "task:visit:finished", true},
		{"task:visit:*", "task:toilet:finished", false},
		{"task:visit:started", "task:visit:started", true},
		{"task:visit:started", "task:visit:paused", false},
		{"failsafe:*", "task:visit:started", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.matches, patternMatches(tt.pattern, tt.key), "%s vs %s", tt.pattern, tt.key)
	}
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "task:visit:finished", domain.TaskEvent{Type: domain.EventTaskFinished, TaskID: "visit"}.Key())
	assert.Equal(t, "failsafe:failsafe_triggered", domain.TaskEvent{Type: domain.EventFailsafeTriggered}.Key())
}

func TestBus_SubscribeAndUnsubscribe(t *testing.T) {
	bus := NewBus(quietLogger())
	got := make(chan domain.TaskEvent, 4)

	id := bus.Subscribe("task:visit:*", func(ev domain.TaskEvent) { got <- ev })
	bus.Publish(domain.TaskEvent{Type: domain.EventTaskStarted, TaskID: "toilet"})
	bus.Publish(domain.TaskEvent{Type: domain.EventTaskStarted, TaskID: "visit"})

	ev := receive(t, got)
	assert.Equal(t, "visit", ev.TaskID)

	require.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	bus.Publish(domain.TaskEvent{Type: domain.EventTaskPaused, TaskID: "visit"})
	bus.Close()
	assert.Empty(t, got)
}

func TestBus_TypedHandlers(t *testing.T) {
	bus := NewBus(quietLogger())
	finished := make(chan domain.TaskEvent, 1)
	nodes := make(chan domain.TaskEvent, 2)
	failsafe := make(chan domain.TaskEvent, 1)
	bus.OnTaskFinished(func(ev domain.TaskEvent) { finished <- ev })
	bus.OnNodeExecuted(func(ev domain.TaskEvent) { nodes <- ev })
	bus.OnFailsafe(func(ev domain.TaskEvent) { failsafe <- ev })

	bus.Publish(domain.TaskEvent{Type: domain.EventNodeCompleted, TaskID: "visit", NodeID: "route"})
	bus.Publish(domain.TaskEvent{Type: domain.EventNodeFailed, TaskID: "visit", NodeID: "check_in"})
	bus.Publish(domain.TaskEvent{Type: domain.EventTaskFinished, TaskID: "visit", Status: string(domain.GraphStatusError)})
	bus.Publish(domain.TaskEvent{Type: domain.EventFailsafeTriggered, TaskID: "visit"})

	assert.Equal(t, string(domain.GraphStatusError), receive(t, finished).Status)
	assert.ElementsMatch(t, []string{"route", "check_in"}, []string{receive(t, nodes).NodeID, receive(t, nodes).NodeID})
	assert.Equal(t, "visit", receive(t, failsafe).TaskID)
}

func TestBus_HandlerPanicIsContained(t *testing.T) {
	bus := NewBus(quietLogger())
	got := make(chan domain.TaskEvent, 1)
	bus.Subscribe("*", func(domain.TaskEvent) { panic("boom") })
	bus.Subscribe("*", func(ev domain.TaskEvent) { got <- ev })

	bus.Publish(domain.TaskEvent{Type: domain.EventTaskStarted, TaskID: "visit"})
	assert.Equal(t, domain.EventTaskStarted, receive(t, got).Type)
	bus.Close()
}

func TestBus_ClosedDropsEvents(t *testing.T) {
	bus := NewBus(quietLogger())
	called := make(chan struct{}, 1)
	bus.Subscribe("*", func(domain.TaskEvent) { called <- struct{}{} })
	bus.Close()

	bus.Publish(domain.TaskEvent{Type: domain.EventTaskStarted, TaskID: "visit"})
	select {
	case <-called:
		t.Fatal("closed bus delivered an event")
	case <-time.After(50 * time.Millisecond):
	}
}
