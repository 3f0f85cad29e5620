package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
	"github.com/panjf2000/ants/v2"
)

// ContextKey is the output key whose map value is merged into the task context.
const ContextKey = "context"

// Executor runs one node at a time on behalf of the engine. Collaborator
// calls run on a bounded worker pool so a slow call never blocks the
// engine's own goroutines.
type Executor struct {
	cfg      domain.ExecutorConfig
	state    ports.StatePort
	cache    ports.CachePort
	logger   *slog.Logger
	metrics  *domain.ExecutionMetrics
	fallback ports.FallbackHandler
	sink     ports.HeartbeatSink
	now      func() time.Time

	pool *ants.Pool

	mu            sync.RWMutex
	collaborators map[domain.NodeType]ports.Collaborator
	local         map[domain.NodeType]ports.Collaborator
}

type Option func(*Executor)

func WithMetrics(metrics *domain.ExecutionMetrics) Option {
	return func(e *Executor) {
		e.metrics = metrics
	}
}

func WithFallbackHandler(handler ports.FallbackHandler) Option {
	return func(e *Executor) {
		e.fallback = handler
	}
}

// WithHeartbeatSink supervises collaborator calls when MonitorCollaborators is set.
func WithHeartbeatSink(sink ports.HeartbeatSink) Option {
	return func(e *Executor) {
		e.sink = sink
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

func New(cfg domain.ExecutorConfig, state ports.StatePort, cache ports.CachePort, logger *slog.Logger, opts ...Option) (*Executor, error) {
	if state == nil {
		return nil, fmt.Errorf("%w: executor requires a state store", domain.ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = domain.DefaultExecutorConfig().PoolSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = domain.DefaultExecutorConfig().HeartbeatInterval
	}

	e := &Executor{
		cfg:           cfg,
		state:         state,
		cache:         cache,
		logger:        logger.With("component", "node-executor"),
		metrics:       domain.NewExecutionMetrics(),
		now:           time.Now,
		collaborators: make(map[domain.NodeType]ports.Collaborator),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.local = localHandlers()

	pool, err := ants.NewPool(cfg.PoolSize,
		ants.WithNonblocking(true),
		ants.WithLogger(antsLogger{e.logger}))
	if err != nil {
		return nil, fmt.Errorf("failed to create collaborator worker pool: %w", err)
	}
	e.pool = pool
	return e, nil
}

// Register binds a collaborator to a node type, replacing built-in handling.
func (e *Executor) Register(nodeType domain.NodeType, collaborator ports.Collaborator) error {
	if !nodeType.Valid() {
		return fmt.Errorf("%w: unknown node type %q", domain.ErrInvalidInput, nodeType)
	}
	if collaborator == nil {
		return fmt.Errorf("%w: nil collaborator for %s", domain.ErrInvalidInput, nodeType)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.collaborators[nodeType] = collaborator
	return nil
}

func (e *Executor) Unregister(nodeType domain.NodeType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.collaborators, nodeType)
}

func (e *Executor) Metrics() *domain.ExecutionMetrics {
	return e.metrics
}

// Close releases the worker pool, waiting up to timeout for running calls.
func (e *Executor) Close(timeout time.Duration) error {
	if timeout <= 0 {
		e.pool.Release()
		return nil
	}
	return e.pool.ReleaseTimeout(timeout)
}

// resolve picks the collaborator for t: registered, then built-in, then mock.
func (e *Executor) resolve(t domain.NodeType) (ports.Collaborator, bool, error) {
	e.mu.RLock()
	c, ok := e.collaborators[t]
	e.mu.RUnlock()
	if ok {
		return c, false, nil
	}
	if c, ok := e.local[t]; ok {
		return c, false, nil
	}
	if e.cfg.RequireCollaborators {
		return nil, false, fmt.Errorf("%w: no collaborator registered for node type %s", domain.ErrNotFound, t)
	}
	return ports.CollaboratorFunc(mockExecute), true, nil
}

// Execute runs node for taskID. A failure with a fallback_action is absorbed
// and reported in the result; a failure without one returns a CollaboratorError.
// When ctx ends first the node is left running so it is retried on resume.
func (e *Executor) Execute(ctx context.Context, taskID string, node domain.Node, execCtx map[string]any) (*domain.NodeResult, error) {
	start := e.now()
	if err := e.state.UpdateNodeStatus(taskID, node.ID, domain.NodeStatusRunning, nil); err != nil {
		return nil, err
	}
	e.metrics.IncrementNodesExecuted()

	e.logger.Info("executing node",
		"task_id", taskID,
		"node_id", node.ID,
		"node_type", node.Type)

	result := &domain.NodeResult{
		NodeID:    node.ID,
		NodeType:  node.Type,
		Timestamp: start,
	}

	collaborator, mocked, err := e.resolve(node.Type)
	var resp ports.NodeResponse
	if err == nil {
		resp, err = e.call(ctx, taskID, node, execCtx, collaborator)
		if err == nil && !resp.Success {
			msg := resp.Error
			if msg == "" {
				msg = "collaborator reported failure"
			}
			err = errors.New(msg)
		}
	}

	result.Duration = e.now().Sub(start)
	e.metrics.AddExecutionTime(result.Duration)

	if err != nil && ctx.Err() != nil && !isTimeout(err) {
		e.logger.Warn("node interrupted",
			"task_id", taskID,
			"node_id", node.ID,
			"error", ctx.Err())
		return nil, fmt.Errorf("node %s interrupted: %w", node.ID, ctx.Err())
	}
	if err != nil {
		return e.fail(ctx, taskID, node, result, err)
	}

	output := resp.Output
	if output == nil {
		output = make(map[string]any)
	}
	if mocked {
		output["mock"] = true
		result.Mocked = true
		e.metrics.IncrementNodesMocked()
	}

	if updates, ok := output[ContextKey].(map[string]any); ok {
		if err := e.state.UpdateContext(taskID, updates); err != nil {
			e.logger.Warn("context update failed", "task_id", taskID, "node_id", node.ID, "error", err)
		}
	}

	if err := e.state.UpdateNodeStatus(taskID, node.ID, domain.NodeStatusComplete, output); err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(domain.CacheTaskKey(taskID, node.ID), output, 0)
	}
	e.metrics.IncrementNodesSucceeded()

	result.Status = domain.NodeStatusComplete
	result.Success = true
	result.Output = output

	e.logger.Info("node completed",
		"task_id", taskID,
		"node_id", node.ID,
		"duration", result.Duration,
		"mocked", mocked)
	return result, nil
}

func (e *Executor) fail(ctx context.Context, taskID string, node domain.Node, result *domain.NodeResult, cause error) (*domain.NodeResult, error) {
	var collabErr *domain.CollaboratorError
	if !errors.As(cause, &collabErr) {
		collabErr = &domain.CollaboratorError{TaskID: taskID, NodeID: node.ID, NodeType: node.Type, Err: cause}
	}
	if collabErr.Timeout {
		e.metrics.IncrementNodesTimedOut()
	}
	e.metrics.IncrementNodesFailed()

	if err := e.state.UpdateNodeStatus(taskID, node.ID, domain.NodeStatusFailed, nil); err != nil {
		return nil, errors.Join(collabErr, err)
	}

	result.Status = domain.NodeStatusFailed
	result.Error = collabErr.Error()

	e.logger.Error("node failed",
		"task_id", taskID,
		"node_id", node.ID,
		"node_type", node.Type,
		"timeout", collabErr.Timeout,
		"error", collabErr)

	if node.FallbackAction == "" {
		return result, collabErr
	}

	fb, err := e.runFallback(ctx, taskID, node, collabErr)
	result.Fallback = fb
	if err != nil {
		return result, errors.Join(collabErr, err)
	}
	if fb.Output != nil {
		_ = e.state.RecordNodeOutput(taskID, node.ID, fb.Output)
	}
	return result, nil
}

func (e *Executor) runFallback(ctx context.Context, taskID string, node domain.Node, cause error) (*domain.FallbackResult, error) {
	e.metrics.IncrementFallbacksRun()
	fb := &domain.FallbackResult{Action: node.FallbackAction}

	if e.fallback == nil {
		fb.Executed = true
		fb.Message = fmt.Sprintf("fallback executed: %s", node.FallbackAction)
		e.logger.Info("fallback recorded", "task_id", taskID, "node_id", node.ID, "action", node.FallbackAction)
		return fb, nil
	}

	output, err := e.fallback.HandleFallback(ctx, taskID, node, cause)
	if err != nil {
		fb.Message = fmt.Sprintf("fallback %s failed: %v", node.FallbackAction, err)
		e.logger.Error("fallback failed", "task_id", taskID, "node_id", node.ID, "action", node.FallbackAction, "error", err)
		return fb, fmt.Errorf("fallback %s: %w", node.FallbackAction, err)
	}
	fb.Executed = true
	fb.Message = fmt.Sprintf("fallback executed: %s", node.FallbackAction)
	fb.Output = output
	return fb, nil
}

const submitRetryInterval = 10 * time.Millisecond

type outcome struct {
	resp ports.NodeResponse
	err  error
}

// call runs the collaborator on the pool, bounded by the node timeout.
func (e *Executor) call(ctx context.Context, taskID string, node domain.Node, execCtx map[string]any, collaborator ports.Collaborator) (ports.NodeResponse, error) {
	timeout := node.TimeoutDuration()
	if timeout <= 0 {
		timeout = e.cfg.DefaultNodeTimeout
	}
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	req := ports.NodeRequest{
		TaskID:    taskID,
		Node:      node,
		Context:   domain.CloneMap(execCtx),
		Heartbeat: func() {},
	}
	if req.Context == nil {
		req.Context = make(map[string]any)
	}

	if e.cfg.MonitorCollaborators && e.sink != nil {
		module := "collaborator." + node.Type.String()
		e.sink.Monitor(module, e.cfg.HeartbeatInterval)
		defer e.sink.Unmonitor(module)
		req.Heartbeat = func() { e.sink.Heartbeat(module) }
	}

	done := make(chan outcome, 1)
	task := func() {
		resp, err := e.invoke(callCtx, taskID, node, collaborator, req)
		done <- outcome{resp: resp, err: err}
	}
	if err := e.submit(callCtx, node, task); err != nil {
		if ctx.Err() != nil {
			return ports.NodeResponse{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ports.NodeResponse{}, timeoutError(taskID, node, timeout)
		}
		return ports.NodeResponse{}, fmt.Errorf("submit node %s: %w", node.ID, err)
	}

	select {
	case out := <-done:
		if out.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return ports.NodeResponse{}, timeoutError(taskID, node, timeout)
		}
		return out.resp, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ports.NodeResponse{}, ctx.Err()
		}
		return ports.NodeResponse{}, timeoutError(taskID, node, timeout)
	}
}

// submit hands task to the pool. While every worker is busy, for instance
// held by collaborators that ignore cancellation, it retries until a worker
// frees up or ctx ends, so the node timeout still applies.
func (e *Executor) submit(ctx context.Context, node domain.Node, task func()) error {
	for warned := false; ; {
		err := e.pool.Submit(task)
		if !errors.Is(err, ants.ErrPoolOverload) {
			return err
		}
		if !warned {
			e.logger.Warn("collaborator pool saturated, waiting for a worker",
				"node_id", node.ID,
				"pool_size", e.pool.Cap(),
				"running", e.pool.Running())
			warned = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(submitRetryInterval):
		}
	}
}

func timeoutError(taskID string, node domain.Node, timeout time.Duration) error {
	return &domain.CollaboratorError{
		TaskID:   taskID,
		NodeID:   node.ID,
		NodeType: node.Type,
		Timeout:  true,
		Err:      fmt.Errorf("%w after %s", domain.ErrTimeout, timeout),
	}
}

func isTimeout(err error) bool {
	var collabErr *domain.CollaboratorError
	return errors.As(err, &collabErr) && collabErr.Timeout
}

type antsLogger struct {
	logger *slog.Logger
}

func (l antsLogger) Printf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...), "source", "ants")
}
