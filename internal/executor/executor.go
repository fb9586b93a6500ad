package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Jeffail/shutdown"
	"github.com/vk/mediagrid/internal/callback"
	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/ctxlog"
	"github.com/vk/mediagrid/internal/metrics"
	"github.com/vk/mediagrid/internal/module"
	"github.com/vk/mediagrid/internal/node"
	"github.com/vk/mediagrid/internal/queue"
	"github.com/vk/mediagrid/internal/registry"
	"github.com/vk/mediagrid/internal/scheduler"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// DefaultQueueCapacity bounds stream queues when no capacity is configured.
const DefaultQueueCapacity = 16

// forceWait bounds how long a hard-stopped runner is waited for.
const forceWait = 2 * time.Second

// Options configures an Executor.
type Options struct {
	QueueCapacity int
	// FaultPolicy applies to kinds that do not set their own.
	FaultPolicy registry.FaultPolicy
	Slots       *scheduler.Slots
	Callbacks   *callback.Bridge
	Metrics     *metrics.Metrics
	// DrainTimeout bounds each drain-bound operation separately: every
	// removed node and every replaced node gets its own budget. Zero waits
	// on the caller's context only.
	DrainTimeout time.Duration
	// OnAbort is called once when a fault under the abort policy tears the
	// graph down.
	OnAbort func(error)
}

// Spec is everything needed to run one node incarnation.
type Spec struct {
	Node *node.Node
	Def  *registry.Definition
	Proc module.Processor
}

// Executor runs the execution contexts of one graph.
type Executor struct {
	opts Options

	mu      sync.Mutex
	base    context.Context
	started bool
	closing bool
	aborted bool
	// current maps aliases to their live incarnation.
	current map[string]*Runner
	// all holds every runner that has not stopped yet, retiring ones included.
	all     map[*Runner]struct{}
	active  int
	changed chan struct{}
	faults  []error
}

// New creates an idle executor.
func New(opts Options) *Executor {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.FaultPolicy == registry.FaultDefault {
		opts.FaultPolicy = registry.FaultContain
	}
	if opts.Slots == nil {
		opts.Slots = scheduler.New()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = callback.New(nil)
	}
	return &Executor{
		opts:    opts,
		current: make(map[string]*Runner),
		all:     make(map[*Runner]struct{}),
		changed: make(chan struct{}),
	}
}

func (e *Executor) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Executor) newRunner(s Spec) *Runner {
	fp := e.opts.FaultPolicy
	if s.Def != nil && s.Def.FaultPolicy != registry.FaultDefault {
		fp = s.Def.FaultPolicy
	}
	r := &Runner{
		ex:          e,
		alias:       s.Node.Alias,
		id:          s.Node.ID,
		slot:        s.Node.Slot,
		policy:      s.Node.Policy,
		faultPolicy: fp,
		source:      isSourceKind(s),
		proc:        s.Proc,
		sig:         shutdown.NewSignaller(),
	}
	if m := e.opts.Metrics; m != nil {
		m.NodeStates.WithLabelValues(Idle.String()).Inc()
	}
	return r
}

func isSourceKind(s Spec) bool {
	if s.Def != nil {
		return s.Def.IsSource()
	}
	return s.Node.Kind == node.Decoder
}

// Add wires a node into the running graph: its input queues are subscribed
// to the producers' output ports and, once the executor is started, its
// execution context is launched. Producers must already be present.
func (e *Executor) Add(ctx context.Context, s Spec) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closing {
		return fmt.Errorf("executor is closing")
	}
	if _, ok := e.current[s.Node.Alias]; ok {
		return fmt.Errorf("node %q is already running", s.Node.Alias)
	}
	r := e.newRunner(s)
	for p := 0; p < s.Node.Outputs; p++ {
		r.outputs = append(r.outputs, newOutPort(s.Node.Output(p)))
	}

	type binding struct {
		src *outPort
		q   *queue.Queue
	}
	var bindings []binding
	for port, h := range s.Node.Inputs {
		if h.IsZero() {
			continue
		}
		producer, ok := e.current[h.Alias]
		if !ok || h.Port >= len(producer.outputs) {
			return fmt.Errorf("node %q: producer stream %s is not running", s.Node.Alias, h)
		}
		src := producer.outputs[h.Port]
		q := queue.New(h.String(), e.opts.QueueCapacity)
		r.inputs = append(r.inputs, &inPort{port: port, src: src, q: q})
		bindings = append(bindings, binding{src: src, q: q})
	}
	for _, b := range bindings {
		b.src.subscribe(b.q)
	}

	e.current[r.alias] = r
	e.all[r] = struct{}{}
	ctxlog.FromContext(ctx).Debug("Node wired.", "node", r.alias, "inputs", len(r.inputs), "outputs", len(r.outputs))
	if e.started {
		e.launchLocked(r)
	}
	return nil
}

func (e *Executor) launchLocked(r *Runner) {
	if !r.launched.CompareAndSwap(false, true) {
		return
	}
	e.active++
	e.notifyLocked()
	go r.run(e.base)
}

// Start launches every wired node. Runners live on a context detached from
// ctx's cancellation; they stop through Close and ForceStop only.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("executor already started")
	}
	e.base = context.WithoutCancel(ctx)
	e.started = true

	aliases := make([]string, 0, len(e.current))
	for alias := range e.current {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		e.launchLocked(e.current[alias])
	}
	ctxlog.FromContext(ctx).Info("▶️ Graph execution started.", "nodes", len(aliases))
	return nil
}

// finished is called by a runner goroutine right before it exits.
func (e *Executor) finished(r *Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.all, r)
	if e.current[r.alias] != r {
		if m := e.opts.Metrics; m != nil {
			m.NodeStates.WithLabelValues(Stopped.String()).Dec()
		}
	}
	e.active--
	e.notifyLocked()
}

func (e *Executor) reportFault(ctx context.Context, r *Runner, failure *ExecutionFailure) {
	e.mu.Lock()
	e.faults = append(e.faults, failure)
	abort := r.faultPolicy == registry.FaultAbort && !e.aborted
	if abort {
		e.aborted = true
	}
	onAbort := e.opts.OnAbort
	e.mu.Unlock()

	if !abort {
		return
	}
	ctxlog.FromContext(ctx).Error("Fault policy is abort, stopping the graph.", "cause", failure.Error())
	go e.hardStopAll()
	if onAbort != nil {
		onAbort(failure)
	}
}

// Remove drains and retires the given nodes. Sources are soft-stopped;
// consumers are detached from producers that stay in the graph, so they
// finish the frames already queued and then stop. Nodes in the set drain in
// dependency order through end-of-stream. Each node that misses ctx's
// deadline is force-stopped and reported in a TimeoutError; the others are
// unaffected.
func (e *Executor) Remove(ctx context.Context, aliases []string) error {
	e.mu.Lock()
	removing := make(map[*outPort]bool)
	runners := make([]*Runner, 0, len(aliases))
	for _, alias := range aliases {
		r, ok := e.current[alias]
		if !ok {
			continue
		}
		delete(e.current, alias)
		runners = append(runners, r)
		for _, p := range r.outputs {
			removing[p] = true
		}
	}
	started := e.started
	e.mu.Unlock()

	for _, r := range runners {
		e.beginDrain(r, removing)
		if !started || !r.launched.Load() {
			e.retireIdle(r)
		}
	}

	err := e.await(ctx, "remove", runners)
	for _, r := range runners {
		e.opts.Callbacks.RemoveNode(r.alias)
	}
	return err
}

// beginDrain asks a runner to stop taking new work.
func (e *Executor) beginDrain(r *Runner, keep map[*outPort]bool) {
	if r.noInputs() {
		r.sig.TriggerSoftStop()
		return
	}
	for _, in := range r.inputs {
		if !keep[in.src] {
			in.src.unsubscribe(in.q)
		}
	}
}

// retireIdle disposes of a runner that was never launched. With handover
// set the output ports belong to a successor and are left open.
func (e *Executor) retireIdle(r *Runner) {
	if !r.launched.CompareAndSwap(false, true) {
		return
	}
	for _, in := range r.inputs {
		in.src.unsubscribe(in.q)
		in.q.Abandon()
	}
	r.closeOutputs()
	r.releaseProc(context.Background())
	r.setState(context.Background(), Stopped)
	r.sig.TriggerHasStopped()

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.all, r)
	if e.current[r.alias] != r {
		if m := e.opts.Metrics; m != nil {
			m.NodeStates.WithLabelValues(Stopped.String()).Dec()
		}
	}
}

// errDrainLate marks a runner that missed its drain deadline.
var errDrainLate = errors.New("drain deadline exceeded")

// drainContext bounds one drain-bound operation by the drain timeout.
func (e *Executor) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.DrainTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opts.DrainTimeout)
}

// await waits for runners to stop. Each runner gets its own drain budget;
// runners still going when it runs out are force-stopped.
func (e *Executor) await(ctx context.Context, op string, runners []*Runner) error {
	late := make([]bool, len(runners))

	var g errgroup.Group
	for i, r := range runners {
		g.Go(func() error {
			wctx, cancel := e.drainContext(ctx)
			defer cancel()
			select {
			case <-r.Done():
				return nil
			case <-wctx.Done():
			}
			late[i] = true
			ctxlog.FromContext(ctx).Error("Drain deadline exceeded, forcing stop.", "op", op, "node", r.alias)
			r.sig.TriggerHardStop()
			select {
			case <-r.Done():
			case <-time.After(forceWait):
			}
			return fmt.Errorf("node %q: %w", r.alias, errDrainLate)
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}

	var aliases []string
	for i, r := range runners {
		if late[i] {
			aliases = append(aliases, r.alias)
		}
	}
	sort.Strings(aliases)
	return &TimeoutError{Op: op, Aliases: aliases, After: e.opts.DrainTimeout}
}

// HotReset hands a new configuration to a running processor in place,
// between two steps. A failing reset faults the node.
func (e *Executor) HotReset(ctx context.Context, alias string, cfg config.Tree) error {
	e.mu.Lock()
	r, ok := e.current[alias]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("node %q is not running", alias)
	}
	resetter, ok := r.proc.(module.Resetter)
	if !ok {
		return fmt.Errorf("node %q does not support in-place reset", alias)
	}

	actx, cancel := e.drainContext(ctx)
	release, err := e.opts.Slots.Acquire(actx, r.slot)
	cancel()
	if err != nil {
		return &TimeoutError{Op: "reset", Aliases: []string{alias}, After: e.opts.DrainTimeout}
	}
	defer release()
	r.stepMu.Lock()
	defer r.stepMu.Unlock()

	if err := safeCall(func() error { return resetter.Reset(ctx, cfg) }); err != nil {
		failure := &ExecutionFailure{Alias: alias, Err: fmt.Errorf("reset: %w", err)}
		if r.launched.Load() && r.State() != Stopped {
			r.inject(failure)
		}
		return failure
	}
	ctxlog.FromContext(ctx).Info("Node reset in place.", "node", alias)
	return nil
}

// Swap replaces a running node by a new incarnation with the same alias.
// The successor takes over the predecessor's output ports, so stream
// identifiers and sequence numbers continue. Inputs bound to the same
// producer port move over atomically; inputs new to the successor are
// subscribed and inputs it dropped are detached. A nil Proc reuses the
// predecessor's processor, which is then neither flushed nor closed.
//
// The successor is launched once the predecessor has drained; if that
// misses ctx's deadline the predecessor is force-stopped and a TimeoutError
// is returned.
func (e *Executor) Swap(ctx context.Context, s Spec) error {
	e.mu.Lock()
	old, ok := e.current[s.Node.Alias]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("node %q is not running", s.Node.Alias)
	}

	type move struct {
		src     *outPort
		prev, q *queue.Queue
	}
	var moves []move
	kept := make(map[*inPort]bool)
	next := e.newRunner(s)
	next.outputs = old.outputs
	if s.Proc == nil {
		next.proc = old.proc
		old.keepProc.Store(true)
	}
	for port, h := range s.Node.Inputs {
		if h.IsZero() {
			continue
		}
		var prev *inPort
		for _, in := range old.inputs {
			if in.port == port && in.src.handle == h {
				prev = in
				break
			}
		}
		q := queue.New(h.String(), e.opts.QueueCapacity)
		if prev != nil {
			kept[prev] = true
			next.inputs = append(next.inputs, &inPort{port: port, src: prev.src, q: q})
			moves = append(moves, move{src: prev.src, prev: prev.q, q: q})
			continue
		}
		producer, ok := e.current[h.Alias]
		if !ok || h.Port >= len(producer.outputs) {
			e.mu.Unlock()
			return fmt.Errorf("node %q: producer stream %s is not running", s.Node.Alias, h)
		}
		src := producer.outputs[h.Port]
		next.inputs = append(next.inputs, &inPort{port: port, src: src, q: q})
		moves = append(moves, move{src: src, q: q})
	}
	e.current[s.Node.Alias] = next
	e.all[next] = struct{}{}
	// hold Wait open while no incarnation is running
	e.active++
	started := e.started
	e.mu.Unlock()

	old.handover.Store(true)
	if old.noInputs() {
		old.sig.TriggerSoftStop()
	}
	for _, mv := range moves {
		if mv.prev != nil {
			mv.src.replace(mv.prev, mv.q)
		} else {
			mv.src.subscribe(mv.q)
		}
	}
	for _, in := range old.inputs {
		if !kept[in] {
			in.src.unsubscribe(in.q)
		}
	}

	var err error
	if started && old.launched.Load() {
		err = e.await(ctx, "reset", []*Runner{old})
	} else {
		e.retireIdle(old)
	}

	e.mu.Lock()
	e.active--
	if started {
		e.launchLocked(next)
	}
	e.notifyLocked()
	e.mu.Unlock()

	ctxlog.FromContext(ctx).Info("Node replaced.", "node", s.Node.Alias, "old_id", uint64(old.id), "new_id", uint64(next.id))
	return err
}

// Close drains the graph: sources are soft-stopped and every other node
// stops once its inputs end. Close is idempotent. If ctx expires first, the
// nodes still running are reported in a TimeoutError and left running so
// the caller may ForceStop them.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	runners := make([]*Runner, 0, len(e.all))
	for r := range e.all {
		runners = append(runners, r)
	}
	started := e.started
	e.mu.Unlock()

	for _, r := range runners {
		if !started || !r.launched.Load() {
			e.retireIdle(r)
			continue
		}
		if r.noInputs() {
			r.sig.TriggerSoftStop()
		}
	}

	var late []string
	for _, r := range runners {
		select {
		case <-r.Done():
		case <-ctx.Done():
			late = append(late, r.alias)
		}
	}
	if len(late) > 0 {
		sort.Strings(late)
		return &TimeoutError{Op: "close", Aliases: late}
	}
	ctxlog.FromContext(ctx).Info("✅ Graph drained.")
	return nil
}

// ForceStop interrupts every runner. Frames still in flight are discarded
// and counted. It waits a bounded time for the runners to exit.
func (e *Executor) ForceStop(ctx context.Context) {
	ctxlog.FromContext(ctx).Warn("Force-stopping graph; in-flight frames will be discarded.")
	e.hardStopAll()
}

func (e *Executor) hardStopAll() {
	e.mu.Lock()
	runners := make([]*Runner, 0, len(e.all))
	for r := range e.all {
		runners = append(runners, r)
	}
	e.mu.Unlock()

	for _, r := range runners {
		if !r.launched.Load() {
			e.retireIdle(r)
			continue
		}
		r.sig.TriggerHardStop()
	}
	deadline := time.After(forceWait)
	for _, r := range runners {
		select {
		case <-r.Done():
		case <-deadline:
			return
		}
	}
}

// Wait blocks until no execution context is running, then returns the
// faults collected so far.
func (e *Executor) Wait(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.active == 0 {
			err := multierr.Combine(e.faults...)
			e.mu.Unlock()
			return err
		}
		ch := e.changed
		e.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Faults returns every execution failure recorded so far.
func (e *Executor) Faults() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return multierr.Combine(e.faults...)
}

// Status returns the state of the live incarnation of alias.
func (e *Executor) Status(alias string) (NodeStatus, bool) {
	e.mu.Lock()
	r, ok := e.current[alias]
	e.mu.Unlock()
	if !ok {
		return NodeStatus{}, false
	}
	return r.status(), true
}

// Statuses returns the state of every live incarnation, sorted by alias.
func (e *Executor) Statuses() []NodeStatus {
	e.mu.Lock()
	runners := make([]*Runner, 0, len(e.current))
	for _, r := range e.current {
		runners = append(runners, r)
	}
	e.mu.Unlock()

	out := make([]NodeStatus, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// Running returns the number of execution contexts that have not stopped.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}
