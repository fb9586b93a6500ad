package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vk/mediagrid/internal/callback"
	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/ctxlog"
	"github.com/vk/mediagrid/internal/executor"
	"github.com/vk/mediagrid/internal/graph"
	"github.com/vk/mediagrid/internal/metrics"
	"github.com/vk/mediagrid/internal/reconfig"
	"github.com/vk/mediagrid/internal/registry"
	"github.com/vk/mediagrid/internal/scheduler"
)

// Options configures an Engine.
type Options struct {
	// QueueCapacity bounds stream queues unless the description sets it.
	QueueCapacity int
	// DrainTimeout bounds the drain of each removed or replaced node on
	// its own, and Close when the caller's context has no deadline. 0
	// waits indefinitely.
	DrainTimeout time.Duration
	FaultPolicy  registry.FaultPolicy
	// Metrics is created when nil.
	Metrics *metrics.Metrics
}

// Engine runs one media graph.
type Engine struct {
	id      string
	opts    Options
	reg     *registry.Registry
	model   *graph.Model
	bridge  *callback.Bridge
	slots   *scheduler.Slots
	metrics *metrics.Metrics

	// admit serializes every topology change.
	admit  sync.Mutex
	closed bool
	ex     atomic.Pointer[executor.Executor]

	abortMu sync.Mutex
	abort   error
}

// New creates an unbuilt engine resolving modules through reg.
func New(reg *registry.Registry, opts Options) *Engine {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	e := &Engine{
		id:      uuid.NewString(),
		opts:    opts,
		reg:     reg,
		model:   graph.New(),
		slots:   scheduler.New(),
		metrics: opts.Metrics,
	}
	e.bridge = callback.New(func(f *callback.CallbackFailure) {
		e.metrics.CallbackFailures.WithLabelValues(f.Alias, f.Direction.String()).Inc()
	})
	return e
}

// ID returns the run id carried by every log line of the engine.
func (e *Engine) ID() string { return e.id }

// Metrics returns the engine's instruments.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Snapshot returns the Graph Model at its current generation.
func (e *Engine) Snapshot() *graph.Snapshot { return e.model.Snapshot() }

// Slots returns the scheduler slot leases, for inspection.
func (e *Engine) Slots() *scheduler.Slots { return e.slots }

func (e *Engine) context(ctx context.Context) context.Context {
	return ctxlog.With(ctx, "run_id", e.id)
}

// withDeadline applies the drain timeout when ctx has no deadline.
func (e *Engine) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || e.opts.DrainTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opts.DrainTimeout)
}

// Build validates the description and instantiates every node without
// starting any of them.
func (e *Engine) Build(ctx context.Context, doc *config.Document) error {
	ctx = e.context(ctx)
	logger := ctxlog.FromContext(ctx)

	e.admit.Lock()
	defer e.admit.Unlock()

	if st := e.model.State(); st != graph.Unbuilt {
		return &graph.StateError{Op: "build", State: st}
	}
	if doc == nil || len(doc.Nodes) == 0 {
		return &graph.ValidationError{Err: errors.New("description declares no nodes")}
	}
	if len(doc.Remove) > 0 || len(doc.Reset) > 0 || len(doc.Bind) > 0 {
		return &graph.ValidationError{Err: errors.New("a graph description may only declare nodes")}
	}

	capacity := e.opts.QueueCapacity
	if doc.Options.QueueCapacity > 0 {
		capacity = doc.Options.QueueCapacity
	}
	ex := executor.New(executor.Options{
		QueueCapacity: capacity,
		FaultPolicy:   e.opts.FaultPolicy,
		Slots:         e.slots,
		Callbacks:     e.bridge,
		Metrics:       e.metrics,
		DrainTimeout:  e.opts.DrainTimeout,
		OnAbort:       e.onAbort(ctx),
	})

	plan, err := reconfig.Validate(ctx, e.model.Snapshot(), e.reg, &config.UpdateSpec{Add: doc.Nodes})
	if err != nil {
		logger.Error("Graph description rejected.", "error", err)
		return err
	}
	if _, err := plan.Apply(ctx, reconfig.Target{Model: e.model, Executor: ex, Metrics: e.metrics}); err != nil {
		return err
	}
	if err := e.model.Transition(graph.Built); err != nil {
		return err
	}
	e.ex.Store(ex)

	snap := e.model.Snapshot()
	if doc.Options.DumpGraph {
		for _, alias := range snap.TopoOrder() {
			n := snap.Nodes[alias]
			spec := n.Spec()
			logger.Info("Graph node.", "node", alias, "id", uint64(n.ID), "kind", spec.Kind, "module", spec.Module,
				"inputs", spec.Inputs, "outputs", spec.Outputs, "slot", spec.Slot, "input_policy", spec.InputPolicy, "config", n.Config.JSON())
		}
	}
	logger.Info("Graph built.", "nodes", len(snap.Nodes), "streams", len(snap.Streams()), "generation", snap.Generation)
	return nil
}

func (e *Engine) onAbort(ctx context.Context) func(error) {
	return func(err error) {
		e.abortMu.Lock()
		if e.abort == nil {
			e.abort = err
		}
		e.abortMu.Unlock()
		ctxlog.FromContext(ctx).Error("Graph aborted by a node fault.", "error", err)
	}
}

// Start launches every node. With block set it returns only once the graph
// has finished, with the faults collected on the way.
func (e *Engine) Start(ctx context.Context, block bool) error {
	ctx = e.context(ctx)

	e.admit.Lock()
	if st := e.model.State(); st != graph.Built {
		e.admit.Unlock()
		return &graph.StateError{Op: "start", State: st}
	}
	if err := e.ex.Load().Start(ctx); err != nil {
		e.admit.Unlock()
		return err
	}
	err := e.model.Transition(graph.Running)
	e.admit.Unlock()
	if err != nil {
		return err
	}

	if !block {
		return nil
	}
	return e.Wait(ctx)
}

// Wait blocks until no node is running and returns the faults seen.
func (e *Engine) Wait(ctx context.Context) error {
	ex := e.ex.Load()
	if ex == nil {
		return nil
	}
	return ex.Wait(ctx)
}

// Update applies an update request to a built or running graph. The request
// is admitted as a whole or not at all. On success the resolved request is
// returned, with every stream identifier in canonical form.
func (e *Engine) Update(ctx context.Context, req *config.UpdateSpec) (resolved *config.UpdateSpec, err error) {
	ctx = e.context(ctx)
	logger := ctxlog.FromContext(ctx)
	defer func() {
		e.metrics.Updates.WithLabelValues(strconv.Itoa(Code(err))).Inc()
	}()

	e.admit.Lock()
	defer e.admit.Unlock()

	if st := e.model.State(); st != graph.Built && st != graph.Running {
		return nil, &graph.StateError{Op: "update", State: st}
	}
	if req.IsEmpty() {
		logger.Debug("Empty update, nothing to do.")
		return &config.UpdateSpec{}, nil
	}

	plan, err := reconfig.Validate(ctx, e.model.Snapshot(), e.reg, req)
	if err != nil {
		logger.Warn("Update rejected.", "code", Code(err), "error", err)
		return nil, err
	}

	resolved, err = plan.Apply(ctx, reconfig.Target{Model: e.model, Executor: e.ex.Load(), Metrics: e.metrics})
	if err != nil {
		logger.Error("Update applied with errors.", "code", Code(err), "error", err)
		return resolved, err
	}
	logger.Info("✅ Update applied.", "generation", e.model.Generation())
	return resolved, nil
}

// Close drains the graph: sources stop producing and every other node
// finishes what it has queued. Closing a closed engine is a no-op. When the
// deadline passes first a TimeoutError names the nodes still running; they
// keep running until Close is retried or ForceStop is called.
func (e *Engine) Close(ctx context.Context) error {
	ctx = e.context(ctx)
	e.admit.Lock()
	defer e.admit.Unlock()

	if e.closed {
		return nil
	}
	if ex := e.ex.Load(); ex != nil {
		ctx, cancel := e.withDeadline(ctx)
		defer cancel()
		if err := ex.Close(ctx); err != nil {
			ctxlog.FromContext(ctx).Error("Graph did not drain in time.", "error", err)
			return err
		}
	}
	return e.markClosed(ctx)
}

// ForceStop interrupts every node, discarding in-flight frames, and closes
// the engine. It does not wait for a pending Close or Update to return
// before interrupting the nodes.
func (e *Engine) ForceStop(ctx context.Context) {
	ctx = e.context(ctx)
	if ex := e.ex.Load(); ex != nil {
		ex.ForceStop(ctx)
	}

	e.admit.Lock()
	defer e.admit.Unlock()
	if !e.closed {
		_ = e.markClosed(ctx)
	}
}

func (e *Engine) markClosed(ctx context.Context) error {
	if err := e.model.Transition(graph.Closed); err != nil {
		return err
	}
	e.closed = true
	e.bridge.Clear()
	ctxlog.FromContext(ctx).Info("Graph closed.")
	return nil
}

// Aborted returns the fault that tore the graph down under the abort
// policy, if any.
func (e *Engine) Aborted() error {
	e.abortMu.Lock()
	defer e.abortMu.Unlock()
	return e.abort
}

// NodeStates returns the execution state of every live node, by alias.
func (e *Engine) NodeStates() []executor.NodeStatus {
	ex := e.ex.Load()
	if ex == nil {
		return nil
	}
	return ex.Statuses()
}

// RegisterCallback attaches a handler to a node port. It may be called on a
// built graph before Start or while the node is running; the node picks the
// change up before its next frame. A nil handler removes the registration.
func (e *Engine) RegisterCallback(alias string, port int, dir callback.Direction, h callback.Handler) error {
	e.admit.Lock()
	defer e.admit.Unlock()

	snap := e.model.Snapshot()
	if snap.State == graph.Closed {
		return &graph.StateError{Op: "register callback", State: snap.State}
	}
	n, ok := snap.Node(alias)
	if !ok {
		return &graph.ValidationError{Alias: alias, Err: graph.ErrNotFound}
	}
	limit := n.Outputs
	if dir == callback.Input {
		limit = len(n.Inputs)
	}
	if port < 0 || port >= limit {
		return &graph.ValidationError{Alias: alias, Err: fmt.Errorf("%s port %d out of range (node has %d)", dir, port, limit)}
	}
	e.bridge.Register(alias, port, dir, h)
	return nil
}
