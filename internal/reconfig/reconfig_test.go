package reconfig

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/executor"
	"github.com/vk/mediagrid/internal/graph"
	"github.com/vk/mediagrid/internal/metrics"
	"github.com/vk/mediagrid/internal/registry"
	tu "github.com/vk/mediagrid/internal/testutil"
)

type harness struct {
	t     *testing.T
	ctx   context.Context
	mods  *tu.Modules
	reg   *registry.Registry
	model *graph.Model
	ex    *executor.Executor
	m     *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, _ := tu.NewContext()
	mods := tu.NewModules()
	m := metrics.New()
	h := &harness{
		t:     t,
		ctx:   ctx,
		mods:  mods,
		reg:   registry.New().Use(mods),
		model: graph.New(),
		ex:    executor.New(executor.Options{Metrics: m}),
		m:     m,
	}
	t.Cleanup(func() { h.ex.ForceStop(ctx) })
	return h
}

func (h *harness) update(req *config.UpdateSpec) (*config.UpdateSpec, error) {
	plan, err := Validate(h.ctx, h.model.Snapshot(), h.reg, req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(h.ctx, 3*time.Second)
	defer cancel()
	return plan.Apply(ctx, Target{Model: h.model, Executor: h.ex, Metrics: h.m})
}

func (h *harness) build(nodes ...*config.NodeSpec) {
	h.t.Helper()
	_, err := h.update(&config.UpdateSpec{Add: nodes})
	require.NoError(h.t, err)
	require.NoError(h.t, h.model.Transition(graph.Built))
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.ex.Start(h.ctx))
	require.NoError(h.t, h.model.Transition(graph.Running))
}

func source(alias string) *config.NodeSpec {
	return &config.NodeSpec{Alias: alias, Module: tu.SourceModule, Config: config.Tree{"interval": "1ms"}}
}

func sink(alias string, inputs ...string) *config.NodeSpec {
	return &config.NodeSpec{Alias: alias, Module: tu.SinkModule, Inputs: inputs}
}

func TestValidate_RejectsWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	h.build(source("d0"), sink("e0", "d0.video"))
	before := h.model.Snapshot()

	testCases := []struct {
		name      string
		req       *config.UpdateSpec
		errTarget any
		cause     error
	}{
		{
			name:      "unknown producer",
			req:       &config.UpdateSpec{Add: []*config.NodeSpec{sink("e1", "nope.0")}},
			errTarget: new(*graph.TopologyConflictError),
			cause:     graph.ErrUnresolvedEndpoint,
		},
		{
			name:      "port out of range",
			req:       &config.UpdateSpec{Add: []*config.NodeSpec{sink("e1", "d0.7")}},
			errTarget: new(*graph.ValidationError),
			cause:     graph.ErrUnresolvedEndpoint,
		},
		{
			name:      "duplicate alias",
			req:       &config.UpdateSpec{Add: []*config.NodeSpec{sink("e0", "d0.0")}},
			errTarget: new(*graph.ValidationError),
			cause:     graph.ErrDuplicateAlias,
		},
		{
			name:      "remove with dependents outside the request",
			req:       &config.UpdateSpec{Remove: []string{"d0"}},
			errTarget: new(*graph.TopologyConflictError),
			cause:     graph.ErrHasDependents,
		},
		{
			name:      "remove unknown",
			req:       &config.UpdateSpec{Remove: []string{"ghost"}},
			errTarget: new(*graph.ValidationError),
			cause:     graph.ErrNotFound,
		},
		{
			name:      "reset unknown",
			req:       &config.UpdateSpec{Reset: []*config.ResetSpec{{Alias: "ghost"}}},
			errTarget: new(*graph.ValidationError),
			cause:     graph.ErrNotFound,
		},
		{
			name:      "reset with invalid config",
			req:       &config.UpdateSpec{Reset: []*config.ResetSpec{{Alias: "e0", Config: config.Tree{"label": "invalid"}}}},
			errTarget: new(*graph.ValidationError),
		},
		{
			name: "one bad item rejects the valid ones",
			req: &config.UpdateSpec{
				Add:    []*config.NodeSpec{sink("e1", "d0.0")},
				Remove: []string{"ghost"},
			},
			errTarget: new(*graph.ValidationError),
			cause:     graph.ErrNotFound,
		},
		{
			name: "cycle among added nodes",
			req: &config.UpdateSpec{Add: []*config.NodeSpec{
				{Alias: "f0", Module: tu.FilterModule, Inputs: []string{"f1.0"}},
				{Alias: "f1", Module: tu.FilterModule, Inputs: []string{"f0.0"}},
			}},
			errTarget: new(*graph.ValidationError),
			cause:     graph.ErrCycle,
		},
		{
			name:      "kind does not match module",
			req:       &config.UpdateSpec{Add: []*config.NodeSpec{{Alias: "x", Kind: "decoder", Module: tu.SinkModule}}},
			errTarget: new(*graph.ValidationError),
		},
		{
			name:      "unknown module",
			req:       &config.UpdateSpec{Add: []*config.NodeSpec{{Alias: "x", Module: "nope"}}},
			errTarget: new(*graph.ValidationError),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.update(tc.req)
			require.Error(t, err)
			assert.True(t, errors.As(err, tc.errTarget), "got %T: %v", err, err)
			if tc.cause != nil {
				assert.ErrorIs(t, err, tc.cause)
			}
			after := h.model.Snapshot()
			assert.Empty(t, cmp.Diff(before, after, cmp.AllowUnexported(graph.Snapshot{})))
		})
	}
}

func TestValidate_AddsProducersFirst(t *testing.T) {
	h := newHarness(t)
	resolved, err := h.update(&config.UpdateSpec{Add: []*config.NodeSpec{
		sink("e0", "f0.out"),
		{Alias: "f0", Module: tu.FilterModule, Inputs: []string{"d0.audio"}},
		source("d0"),
	}})
	require.NoError(t, err)

	require.Len(t, resolved.Add, 3)
	assert.Equal(t, "d0", resolved.Add[0].Alias)
	assert.Equal(t, "f0", resolved.Add[1].Alias)
	assert.Equal(t, []string{"d0.1"}, resolved.Add[1].Inputs)
	assert.Equal(t, []string{"f0.0"}, resolved.Add[2].Inputs)
	assert.Equal(t, 2, resolved.Add[0].Outputs)
	assert.EqualValues(t, 1, h.model.Generation())
}

func TestValidate_EmptyAndUnchanged(t *testing.T) {
	h := newHarness(t)
	h.build(source("d0"), sink("e0", "d0.0"))

	plan, err := Validate(h.ctx, h.model.Snapshot(), h.reg, &config.UpdateSpec{})
	require.NoError(t, err)
	assert.True(t, plan.Empty())

	plan, err = Validate(h.ctx, h.model.Snapshot(), h.reg, &config.UpdateSpec{
		Reset: []*config.ResetSpec{{Alias: "d0", Config: config.Tree{"interval": "1ms"}}},
	})
	require.NoError(t, err)
	assert.True(t, plan.Empty())

	gen := h.model.Generation()
	_, err = plan.Apply(h.ctx, Target{Model: h.model, Executor: h.ex, Metrics: h.m})
	require.NoError(t, err)
	assert.Equal(t, gen, h.model.Generation())
}

func TestApply_RemoveAndAddWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.build(source("d0"), sink("e0", "d0.video"))
	h.start()
	require.True(t, h.mods.Recorder.WaitFor("e0", 3, 3*time.Second))

	resolved, err := h.update(&config.UpdateSpec{
		Add:    []*config.NodeSpec{sink("e0b", "d0.video")},
		Remove: []string{"e0"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e0"}, resolved.Remove)
	assert.EqualValues(t, 2, h.model.Generation())

	snap := h.model.Snapshot()
	assert.Equal(t, []string{"d0", "e0b"}, snap.Aliases())
	assert.Empty(t, snap.Retiring)

	st, ok := h.ex.Status("d0")
	require.True(t, ok)
	assert.Equal(t, executor.Active, st.State)

	require.True(t, h.mods.Recorder.WaitFor("e0b", 3, 3*time.Second))
	e0 := h.mods.Recorder.Frames("e0")
	e0b := h.mods.Recorder.Frames("e0b")
	assert.LessOrEqual(t, e0b[0].Seq, e0[len(e0)-1].Seq+1, "frames between the two sinks were lost")
}

func TestApply_RemoveChainConsumersFirst(t *testing.T) {
	h := newHarness(t)
	h.build(
		source("d0"),
		&config.NodeSpec{Alias: "f0", Module: tu.FilterModule, Inputs: []string{"d0.0"}},
		sink("e0", "f0.0"),
	)
	h.start()
	require.True(t, h.mods.Recorder.WaitFor("e0", 2, 3*time.Second))

	resolved, err := h.update(&config.UpdateSpec{Remove: []string{"d0", "f0", "e0"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"e0", "f0", "d0"}, resolved.Remove)
	assert.Empty(t, h.model.Snapshot().Nodes)
	assert.Eventually(t, func() bool { return h.ex.Running() == 0 }, time.Second, 5*time.Millisecond)
}

func TestApply_ResetModes(t *testing.T) {
	h := newHarness(t)
	h.build(
		source("d0"),
		&config.NodeSpec{Alias: "f0", Module: tu.FilterModule, Inputs: []string{"d0.0"}, Config: config.Tree{"tag": "A:"}},
		sink("e0", "f0.0"),
	)

	// not started yet: in place even without mid-stream support
	_, err := h.update(&config.UpdateSpec{Reset: []*config.ResetSpec{{Alias: "e0", Config: config.Tree{"label": "x"}}}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.mods.ResetCount("e0"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Resets.WithLabelValues(ModeHot)))

	h.start()
	require.True(t, h.mods.Recorder.WaitFor("e0", 3, 3*time.Second))

	f0Before, _ := h.model.Snapshot().Node("f0")
	_, err = h.update(&config.UpdateSpec{Reset: []*config.ResetSpec{{Alias: "f0", Config: config.Tree{"tag": "B:"}}}})
	require.NoError(t, err)
	f0After, _ := h.model.Snapshot().Node("f0")
	assert.Equal(t, f0Before.ID, f0After.ID)
	assert.Equal(t, "B:", f0After.Config["tag"])
	assert.Equal(t, 2.0, testutil.ToFloat64(h.m.Resets.WithLabelValues(ModeHot)))

	e0Before, _ := h.model.Snapshot().Node("e0")
	n := h.mods.Recorder.Count("e0")
	_, err = h.update(&config.UpdateSpec{Reset: []*config.ResetSpec{{Alias: "e0", Config: config.Tree{"label": "y"}}}})
	require.NoError(t, err)
	e0After, _ := h.model.Snapshot().Node("e0")
	assert.NotEqual(t, e0Before.ID, e0After.ID)
	assert.Equal(t, "y", e0After.Config["label"])
	assert.Empty(t, h.model.Snapshot().Retiring)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Resets.WithLabelValues(ModeSwap)))
	assert.EqualValues(t, 1, h.mods.ResetCount("e0"), "swap must not reset in place")

	require.True(t, h.mods.Recorder.WaitFor("e0", n+3, 3*time.Second))
	records := h.mods.Recorder.Frames("e0")
	for i := 1; i < len(records); i++ {
		require.Equal(t, records[i-1].Seq+1, records[i].Seq, "stream continuity broken at %d", i)
	}
}

func TestApply_BindNewSourceToRunningConsumer(t *testing.T) {
	h := newHarness(t)
	h.build(source("d0"), sink("e0", "d0.0"))
	h.start()
	require.True(t, h.mods.Recorder.WaitFor("e0", 2, 3*time.Second))

	resolved, err := h.update(&config.UpdateSpec{
		Add:  []*config.NodeSpec{source("d1")},
		Bind: []*config.BindSpec{{Consumer: "e0", Stream: "d1.video"}},
	})
	require.NoError(t, err)
	require.Len(t, resolved.Bind, 1)
	assert.Equal(t, "d1.0", resolved.Bind[0].Stream)

	e0, _ := h.model.Snapshot().Node("e0")
	require.Len(t, e0.Inputs, 2)
	assert.Equal(t, "d1.0", e0.Inputs[1].String())

	assert.Eventually(t, func() bool {
		for _, r := range h.mods.Recorder.Frames("e0") {
			if r.Port == 1 {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
}
