package reconfig

import (
	"context"
	"strings"

	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/ctxlog"
	"github.com/vk/mediagrid/internal/executor"
	"github.com/vk/mediagrid/internal/graph"
	"github.com/vk/mediagrid/internal/metrics"
	"go.uber.org/multierr"
)

// Reset modes, as reported in logs and metrics.
const (
	ModeHot  = "hot"
	ModeSwap = "swap"
)

// Target is the live graph a plan is applied to.
type Target struct {
	Model    *graph.Model
	Executor *executor.Executor
	Metrics  *metrics.Metrics
}

// Apply publishes the plan's topology as one new generation and then brings
// the executor in line with it. Callers serialize Apply calls.
//
// A failure before the commit leaves the graph untouched. After the commit
// every step is attempted; drain timeouts and failing resets are combined
// into the returned error while the rest of the update still takes effect.
func (p *Plan) Apply(ctx context.Context, t Target) (*config.UpdateSpec, error) {
	log := ctxlog.FromContext(ctx)
	if p.Empty() {
		return &config.UpdateSpec{}, nil
	}

	for _, r := range p.resets {
		r.swap = !p.hotResettable(t.Executor, r)
		n, _ := p.scratch.Node(r.alias)
		if r.swap {
			r.oldID = n.ID
			if _, err := p.scratch.Renew(r.alias, r.cfg); err != nil {
				return nil, p.abandon(ctx, err)
			}
			continue
		}
		if err := p.scratch.SetConfig(r.alias, r.cfg); err != nil {
			return nil, p.abandon(ctx, err)
		}
	}

	if err := t.Model.Commit(p.scratch); err != nil {
		return nil, p.abandon(ctx, err)
	}
	snap := t.Model.Snapshot()
	if t.Metrics != nil {
		t.Metrics.Generation.Set(float64(snap.Generation))
	}
	log.Info("Update admitted.", "generation", snap.Generation,
		"added", len(p.adds), "bound", len(p.binds), "removed", len(p.removes), "reset", len(p.resets))

	var errs error
	for _, a := range p.adds {
		n, _ := snap.Node(a.alias)
		if err := t.Executor.Add(ctx, executor.Spec{Node: n, Def: a.def, Proc: a.proc}); err != nil {
			errs = multierr.Append(errs, &executor.ExecutionFailure{Alias: a.alias, Err: err})
			errs = multierr.Append(errs, closeProc(a.proc))
		}
		a.proc = nil
	}

	for _, alias := range p.rewire {
		n, _ := snap.Node(alias)
		def, _ := p.reg.Lookup(n.Module)
		if err := t.Executor.Swap(ctx, executor.Spec{Node: n, Def: def}); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if len(p.removes) > 0 {
		errs = multierr.Append(errs, t.Executor.Remove(ctx, p.removes))
		for _, alias := range p.removes {
			if n, ok := p.base.Node(alias); ok {
				t.Model.Drop(n.ID)
			}
			if t.Metrics != nil {
				t.Metrics.Forget(alias)
			}
		}
	}

	for _, r := range p.resets {
		errs = multierr.Append(errs, p.applyReset(ctx, t, r))
	}
	return p.Resolved(), errs
}

// hotResettable decides whether a reset can be applied in place. Kinds that
// only reset between streams are swapped while they are processing.
func (p *Plan) hotResettable(ex *executor.Executor, r *reset) bool {
	caps := r.def.Capabilities
	if !caps.HotReset {
		return false
	}
	if caps.MidStreamReset {
		return true
	}
	st, ok := ex.Status(r.alias)
	return !ok || st.State != executor.Active
}

func (p *Plan) applyReset(ctx context.Context, t Target, r *reset) error {
	log := ctxlog.FromContext(ctx).With("node", r.alias)
	for _, c := range r.changes {
		log.Debug("Configuration change.", "type", c.Type, "path", strings.Join(c.Path, "."), "from", c.From, "to", c.To)
	}

	mode := ModeHot
	var err error
	if r.swap {
		mode = ModeSwap
		n, _ := t.Model.Snapshot().Node(r.alias)
		err = t.Executor.Swap(ctx, executor.Spec{Node: n, Def: r.def, Proc: r.proc})
		t.Model.Drop(r.oldID)
	} else {
		err = t.Executor.HotReset(ctx, r.alias, r.cfg)
		err = multierr.Append(err, closeProc(r.proc))
	}
	r.proc = nil

	if t.Metrics != nil {
		t.Metrics.Resets.WithLabelValues(mode).Inc()
	}
	if err != nil {
		log.Error("Node reset failed.", "mode", mode, "error", err)
		return err
	}
	log.Info("Node reset.", "mode", mode, "changes", len(r.changes))
	return nil
}

// abandon releases the plan after a failure that happened before anything
// was published.
func (p *Plan) abandon(ctx context.Context, err error) error {
	if derr := p.Discard(); derr != nil {
		ctxlog.FromContext(ctx).Warn("Failed to release prepared processors.", "error", derr)
	}
	return err
}
