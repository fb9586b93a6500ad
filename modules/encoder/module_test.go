package encoder_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/engine"
	"github.com/vk/mediagrid/internal/frame"
	"github.com/vk/mediagrid/internal/module"
	"github.com/vk/mediagrid/internal/registry"
	"github.com/vk/mediagrid/internal/testutil"
	"github.com/vk/mediagrid/modules/decoder"
	"github.com/vk/mediagrid/modules/encoder"
	"github.com/vk/mediagrid/modules/passthrough"
)

func newEncoder(t *testing.T, outputs int, cfg config.Tree) module.Processor {
	t.Helper()
	def, ok := registry.New().Use(&encoder.Module{}).Lookup(encoder.Name)
	require.True(t, ok)
	p, err := def.New(module.Params{Alias: "e0", Outputs: outputs, Config: cfg})
	require.NoError(t, err)
	return p
}

func TestEncoder_WritesAndForwards(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.raw")
	second := filepath.Join(dir, "second.raw")
	e := newEncoder(t, 1, config.Tree{"output_path": first})
	ctx := context.Background()

	task := &module.Task{Inputs: []module.Packet{{Frame: frame.Frame{Data: []byte("ab")}}, {Port: 1, Frame: frame.Frame{Data: []byte("c")}}}}
	require.NoError(t, e.Process(ctx, task))
	assert.Equal(t, []module.Output{{Port: 0, Data: []byte("ab")}, {Port: 0, Data: []byte("c")}}, task.Outputs())

	require.NoError(t, e.(module.Resetter).Reset(ctx, config.Tree{"output_path": second}))
	require.NoError(t, e.Process(ctx, &module.Task{Inputs: []module.Packet{{Frame: frame.Frame{Data: []byte("d")}}}}))
	require.NoError(t, e.(module.Flusher).Flush(ctx, &module.Task{}))
	require.NoError(t, e.(module.Closer).Close())

	got, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
	got, err = os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "d", string(got))
}

func TestEncoder_RejectsBadConfig(t *testing.T) {
	_, err := encoder.ParseConfig(config.Tree{"params": map[string]any{"bitrate": -1}})
	assert.Error(t, err)
	_, err = encoder.ParseConfig(config.Tree{"output_path": 5})
	assert.Error(t, err)
}

func TestPipeline_DecodeFilterEncode(t *testing.T) {
	ctx, _ := testutil.NewContext()
	out := filepath.Join(t.TempDir(), "out.raw")
	reg := registry.New().Use(&decoder.Module{}, &encoder.Module{}, &passthrough.Module{})
	e := engine.New(reg, engine.Options{})
	t.Cleanup(func() { e.ForceStop(ctx) })

	require.NoError(t, e.Build(ctx, &config.Document{Nodes: []*config.NodeSpec{
		{Kind: "decoder", Alias: "d0", Config: config.Tree{"frames": 3}},
		{Kind: "filter", Alias: "f0", Inputs: []string{"d0.video"}, Config: config.Tree{"prefix": "v "}},
		{Kind: "encoder", Alias: "e0", Inputs: []string{"f0.out"}, Config: config.Tree{"output_path": out}},
	}}))
	require.NoError(t, e.Start(ctx, true))
	require.NoError(t, e.Close(ctx))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(got)), "\n")
	require.Len(t, lines, 3)
	for i, line := range lines {
		assert.True(t, strings.HasPrefix(line, "v frame number: "+string(rune('0'+i))), line)
	}
}
