package events

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/luna-badge/taskcore/internal/domain"
)

type subscription struct {
	id      string
	pattern string
	handler func(domain.TaskEvent)
}

// Bus fans task events out to in-process subscribers. Handlers run on their
// own goroutine so a slow subscriber never stalls the engine.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	subs     []subscription
	finished []func(domain.TaskEvent)
	nodes    []func(domain.TaskEvent)
	failsafe []func(domain.TaskEvent)
	closed   bool

	inflight sync.WaitGroup
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "event-bus")}
}

// Subscribe registers handler for events whose key matches pattern. A
// trailing "*" matches any suffix and "*" alone matches everything. The
// returned id is passed to Unsubscribe.
func (b *Bus) Subscribe(pattern string, handler func(domain.TaskEvent)) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, handler: handler})
	return id
}

func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// OnTaskFinished fires once per task reaching a terminal status.
func (b *Bus) OnTaskFinished(handler func(domain.TaskEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = append(b.finished, handler)
}

func (b *Bus) OnNodeExecuted(handler func(domain.TaskEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes = append(b.nodes, handler)
}

func (b *Bus) OnFailsafe(handler func(domain.TaskEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failsafe = append(b.failsafe, handler)
}

func (b *Bus) Publish(event domain.TaskEvent) {
	key := event.Key()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var handlers []func(domain.TaskEvent)
	for _, sub := range b.subs {
		if patternMatches(sub.pattern, key) {
			handlers = append(handlers, sub.handler)
		}
	}
	switch event.Type {
	case domain.EventTaskFinished:
		handlers = append(handlers, b.finished...)
	case domain.EventNodeCompleted, domain.EventNodeFailed:
		handlers = append(handlers, b.nodes...)
	case domain.EventFailsafeTriggered:
		handlers = append(handlers, b.failsafe...)
	}
	b.inflight.Add(len(handlers))
	b.mu.RUnlock()

	b.logger.Debug("task event", "key", key, "subscribers", len(handlers))
	for _, handler := range handlers {
		go b.safeCall(handler, event)
	}
}

// Close stops delivery and waits for handlers already running.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.inflight.Wait()
}

func (b *Bus) safeCall(handler func(domain.TaskEvent), event domain.TaskEvent) {
	defer b.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "key", event.Key(), "panic", r)
		}
	}()
	handler(event)
}

func patternMatches(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}
