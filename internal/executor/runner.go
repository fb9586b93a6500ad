package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jeffail/shutdown"
	"github.com/vk/mediagrid/internal/callback"
	"github.com/vk/mediagrid/internal/ctxlog"
	"github.com/vk/mediagrid/internal/frame"
	"github.com/vk/mediagrid/internal/module"
	"github.com/vk/mediagrid/internal/node"
	"github.com/vk/mediagrid/internal/queue"
	"github.com/vk/mediagrid/internal/registry"
)

var errHardStop = errors.New("hard stop")

// inPort is the consumer side of one bound input.
type inPort struct {
	port  int
	src   *outPort
	q     *queue.Queue
	ended bool
}

// Runner is the execution context of one node incarnation. It refers to the
// node by alias and id only; configuration lives in the Graph Model and in
// the processor built from it.
type Runner struct {
	ex          *Executor
	alias       string
	id          node.ID
	slot        int
	policy      node.InputPolicy
	faultPolicy registry.FaultPolicy
	// source is set for kinds that produce frames without inputs.
	source bool
	proc   module.Processor

	inputs  []*inPort
	outputs []*outPort

	sig    *shutdown.Signaller
	stepMu sync.Mutex
	state  atomic.Int32

	faulted  atomic.Bool
	handover atomic.Bool
	launched atomic.Bool
	// keepProc is set when a successor reuses the processor.
	keepProc atomic.Bool

	errMu    sync.Mutex
	err      error
	injected error
}

// Alias returns the node alias.
func (r *Runner) Alias() string { return r.alias }

// ID returns the node id of this incarnation.
func (r *Runner) ID() node.ID { return r.id }

// State returns the current execution state.
func (r *Runner) State() State { return State(r.state.Load()) }

// Done is closed once the runner has stopped.
func (r *Runner) Done() <-chan struct{} { return r.sig.HasStoppedChan() }

func (r *Runner) status() NodeStatus {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return NodeStatus{Alias: r.alias, State: r.State(), Faulted: r.faulted.Load(), Err: r.err}
}

func (r *Runner) setState(ctx context.Context, s State) {
	old := State(r.state.Swap(int32(s)))
	if old == s {
		return
	}
	if m := r.ex.opts.Metrics; m != nil {
		m.NodeStates.WithLabelValues(old.String()).Dec()
		m.NodeStates.WithLabelValues(s.String()).Inc()
	}
	ctxlog.FromContext(ctx).Debug("Node state changed.", "from", old.String(), "to", s.String())
}

// noInputs reports whether the runner has nothing to wait on and stops on
// the soft-stop signal instead of on its inputs ending.
func (r *Runner) noInputs() bool { return len(r.inputs) == 0 }

func (r *Runner) isSource() bool { return r.source && r.noInputs() }

// run is the body of the runner goroutine.
func (r *Runner) run(ctx context.Context) {
	ctx = ctxlog.With(ctx, "node", r.alias, "node_id", uint64(r.id))
	hardCtx, cancel := r.sig.HardStopCtx(ctx)
	defer cancel()

	var err error
	switch {
	case r.isSource():
		r.setState(ctx, Active)
		err = r.runSource(hardCtx)
	case r.noInputs():
		err = r.park(hardCtx)
	default:
		r.setState(ctx, Active)
		err = r.runConsumer(hardCtx)
	}

	switch injected := r.peekInjected(); {
	case injected != nil:
		r.fault(ctx, injected)
	case err == nil:
		r.drain(hardCtx)
	case errors.Is(err, errHardStop) || hardCtx.Err() != nil:
		r.abort(ctx, "force_stop")
	default:
		r.fault(ctx, err)
	}

	r.releaseProc(ctx)
	r.setState(ctx, Stopped)
	r.sig.TriggerHasStopped()
	r.ex.finished(r)
}

func (r *Runner) releaseProc(ctx context.Context) {
	if r.keepProc.Load() {
		return
	}
	c, ok := r.proc.(module.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to close processor.", "error", err)
	}
}

// park holds a node that is not a source and has no bound input. It stays
// Idle until a successor with inputs takes over or the graph stops.
func (r *Runner) park(ctx context.Context) error {
	ctxlog.FromContext(ctx).Debug("Node has no bound input, waiting.")
	select {
	case <-r.sig.SoftStopChan():
		return nil
	case <-ctx.Done():
		return errHardStop
	}
}

func (r *Runner) runSource(ctx context.Context) error {
	for {
		if r.sig.IsSoftStopSignalled() {
			return nil
		}
		if ctx.Err() != nil {
			return errHardStop
		}
		task := &module.Task{Alias: r.alias}
		view, err := r.step(ctx, task, func() error { return r.proc.Process(ctx, task) })
		if errors.Is(err, module.ErrEndOfStream) {
			return r.deliver(ctx, task, view)
		}
		if err != nil {
			return err
		}
		if err := r.deliver(ctx, task, view); err != nil {
			return err
		}
	}
}

func (r *Runner) runConsumer(ctx context.Context) error {
	for {
		task := &module.Task{Alias: r.alias}
		done, err := r.gather(ctx, task)
		if err != nil {
			return err
		}
		if len(task.Inputs) > 0 {
			view, err := r.step(ctx, task, func() error { return r.proc.Process(ctx, task) })
			if errors.Is(err, module.ErrEndOfStream) {
				r.discardInputs(ctx, "finished")
				return r.deliver(ctx, task, view)
			}
			if err != nil {
				return err
			}
			if err := r.deliver(ctx, task, view); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
	}
}

// step runs fn under the slot lease and the step lock. Input callbacks are
// applied first, from a handler view that stays fixed for the whole step.
func (r *Runner) step(ctx context.Context, task *module.Task, fn func() error) (callback.View, error) {
	release, err := r.ex.opts.Slots.Acquire(ctx, r.slot)
	if err != nil {
		return callback.View{}, errHardStop
	}
	defer release()

	r.stepMu.Lock()
	defer r.stepMu.Unlock()

	if injected := r.peekInjected(); injected != nil {
		return callback.View{}, injected
	}

	view := r.ex.opts.Callbacks.View()
	for i := range task.Inputs {
		p := &task.Inputs[i]
		p.Frame.Data = view.Apply(ctx, r.alias, p.Port, callback.Input, p.Frame.Data)
	}

	start := time.Now()
	err = safeCall(fn)
	if m := r.ex.opts.Metrics; m != nil {
		m.StepDuration.WithLabelValues(r.alias).Observe(time.Since(start).Seconds())
		if n := len(task.Inputs); n > 0 {
			m.FramesConsumed.WithLabelValues(r.alias).Add(float64(n))
		}
	}
	return view, err
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("processor panicked: %v", p)
		}
	}()
	return fn()
}

// deliver pushes a step's output downstream, applying output callbacks on
// the way. It runs without the slot lease.
func (r *Runner) deliver(ctx context.Context, task *module.Task, view callback.View) error {
	outs := task.Outputs()
	for i, out := range outs {
		if out.Port < 0 || out.Port >= len(r.outputs) {
			return fmt.Errorf("emitted on unknown output port %d", out.Port)
		}
		data := view.Apply(ctx, r.alias, out.Port, callback.Output, out.Data)
		p := r.outputs[out.Port]
		res := p.emit(data, ctx.Done())

		port := strconv.Itoa(out.Port)
		m := r.ex.opts.Metrics
		if m != nil {
			m.FramesEmitted.WithLabelValues(r.alias, port).Inc()
		}
		switch {
		case res.noConsumer:
			r.recordDiscard(ctx, "no_consumer", 1)
			if p.warnOnce() {
				ctxlog.FromContext(ctx).Warn("Discarding frames on output without consumer.", "stream", p.handle.String())
			}
		case res.abandoned > 0:
			r.recordDiscard(ctx, "consumer_gone", res.abandoned)
		}
		if res.stopped > 0 {
			r.recordDiscard(ctx, "force_stop", res.stopped+len(outs)-i-1)
			return errHardStop
		}
	}
	return nil
}

func (r *Runner) recordDiscard(ctx context.Context, reason string, n int) {
	if n <= 0 {
		return
	}
	if m := r.ex.opts.Metrics; m != nil {
		m.FramesDiscarded.WithLabelValues(r.alias, reason).Add(float64(n))
	}
	if reason != "no_consumer" {
		ctxlog.FromContext(ctx).Warn("Discarded in-flight frames.", "count", n, "reason", reason)
	}
}

// gather collects the next step's input according to the input policy. done
// is true once every input has reached end-of-stream.
func (r *Runner) gather(ctx context.Context, task *module.Task) (done bool, err error) {
	switch r.policy {
	case node.Ordered:
		return r.gatherOrdered(ctx, task)
	case node.Server:
		return r.gatherAvailable(ctx, task)
	default:
		return r.gatherAny(ctx, task)
	}
}

func (r *Runner) openInputs() []*inPort {
	open := make([]*inPort, 0, len(r.inputs))
	for _, in := range r.inputs {
		if !in.ended {
			open = append(open, in)
		}
	}
	return open
}

func (r *Runner) markEnded(task *module.Task, in *inPort) {
	in.ended = true
	in.q.Finish()
	task.Ended = append(task.Ended, in.port)
}

// gatherAny waits for the first frame on any open input.
func (r *Runner) gatherAny(ctx context.Context, task *module.Task) (bool, error) {
	for {
		open := r.openInputs()
		if len(open) == 0 {
			return true, nil
		}
		cases := make([]reflect.SelectCase, 0, len(open)+1)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
		for _, in := range open {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(in.q.C())})
		}
		chosen, v, ok := reflect.Select(cases)
		if chosen == 0 {
			return false, errHardStop
		}
		in := open[chosen-1]
		if !ok {
			r.markEnded(task, in)
			continue
		}
		task.Inputs = append(task.Inputs, module.Packet{Port: in.port, Frame: v.Interface().(frame.Frame)})
		return false, nil
	}
}

// gatherOrdered takes one frame from every open input, in port order.
func (r *Runner) gatherOrdered(ctx context.Context, task *module.Task) (bool, error) {
	for _, in := range r.inputs {
		if in.ended {
			continue
		}
		f, ok, err := in.q.Pop(ctx.Done())
		if err != nil {
			return false, errHardStop
		}
		if !ok {
			r.markEnded(task, in)
			continue
		}
		task.Inputs = append(task.Inputs, module.Packet{Port: in.port, Frame: f})
	}
	return len(r.openInputs()) == 0, nil
}

// gatherAvailable takes whatever is buffered on each input without waiting
// for the others, and blocks only when nothing is buffered at all.
func (r *Runner) gatherAvailable(ctx context.Context, task *module.Task) (bool, error) {
	for _, in := range r.inputs {
		if in.ended {
			continue
		}
		f, ok, ready := in.q.TryPop()
		if !ready {
			continue
		}
		if !ok {
			r.markEnded(task, in)
			continue
		}
		task.Inputs = append(task.Inputs, module.Packet{Port: in.port, Frame: f})
	}
	if len(task.Inputs) > 0 {
		return len(r.openInputs()) == 0, nil
	}
	return r.gatherAny(ctx, task)
}

// drain flushes the processor, ends the output streams and waits until the
// consumers have read them to the end.
func (r *Runner) drain(ctx context.Context) {
	r.setState(ctx, Draining)

	if f, ok := r.proc.(module.Flusher); ok && !r.keepProc.Load() {
		task := &module.Task{Alias: r.alias}
		view, err := r.step(ctx, task, func() error { return f.Flush(ctx, task) })
		if errors.Is(err, module.ErrEndOfStream) {
			err = nil
		}
		if err == nil {
			err = r.deliver(ctx, task, view)
		}
		if errors.Is(err, errHardStop) {
			r.abort(ctx, "force_stop")
			return
		}
		if err != nil {
			r.fault(ctx, err)
			return
		}
	}

	pending := r.closeOutputs()
	for _, q := range pending {
		select {
		case <-q.Drained():
		case <-ctx.Done():
			r.recordDiscard(ctx, "force_stop", q.Len())
			return
		}
	}
	ctxlog.FromContext(ctx).Debug("Node drained.")
}

// closeOutputs ends every output stream unless a successor takes them over.
func (r *Runner) closeOutputs() []*queue.Queue {
	if r.handover.Load() {
		return nil
	}
	var pending []*queue.Queue
	for _, p := range r.outputs {
		pending = append(pending, p.close()...)
	}
	return pending
}

func (r *Runner) discardInputs(ctx context.Context, reason string) {
	n := 0
	for _, in := range r.inputs {
		if !in.ended {
			n += in.q.Abandon()
			in.ended = true
		}
	}
	r.recordDiscard(ctx, reason, n)
}

// abort ends the runner after a hard stop. Nothing is waited for.
func (r *Runner) abort(ctx context.Context, reason string) {
	r.discardInputs(ctx, reason)
	r.closeOutputs()
}

// fault contains a processing failure to this node: its inputs are
// abandoned so producers never block on it, and its outputs are closed so
// consumers see end-of-stream instead of hanging.
func (r *Runner) fault(ctx context.Context, err error) {
	var failure *ExecutionFailure
	if !errors.As(err, &failure) {
		failure = &ExecutionFailure{Alias: r.alias, Err: err}
	}
	r.faulted.Store(true)
	r.errMu.Lock()
	r.err = failure
	r.errMu.Unlock()

	ctxlog.FromContext(ctx).Error("Node failed.", "error", err)
	if m := r.ex.opts.Metrics; m != nil {
		m.NodeFaults.WithLabelValues(r.alias).Inc()
	}
	r.discardInputs(ctx, "fault")
	r.closeOutputs()
	r.ex.reportFault(ctx, r, failure)
}

// inject makes the runner fail with err at its next opportunity.
func (r *Runner) inject(err error) {
	r.errMu.Lock()
	r.injected = err
	r.errMu.Unlock()
	r.sig.TriggerHardStop()
}

func (r *Runner) peekInjected() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.injected
}
