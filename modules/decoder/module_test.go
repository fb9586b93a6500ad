package decoder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/module"
)

func newProc(t *testing.T, outputs int, cfg config.Tree) *decoder {
	t.Helper()
	p, err := newDecoder(module.Params{Alias: "d0", Outputs: outputs, Config: cfg})
	require.NoError(t, err)
	return p.(*decoder)
}

func TestParseConfig(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     config.Tree
		wantErr string
	}{
		{name: "synthetic", cfg: config.Tree{"frames": 3}},
		{name: "file", cfg: config.Tree{"input_path": "in.raw", "chunk_size": 2}},
		{name: "float rate", cfg: config.Tree{"frames": 3, "rate": 12.5}},
		{name: "nothing to decode", cfg: nil, wantErr: "either input_path or frames"},
		{name: "negative frames", cfg: config.Tree{"frames": -1}, wantErr: "frames must not be negative"},
		{name: "bad rate", cfg: config.Tree{"frames": 1, "rate": "fast"}, wantErr: "rate: expected number"},
		{name: "zero chunk", cfg: config.Tree{"input_path": "x", "chunk_size": 0}, wantErr: "chunk_size must be positive"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig(tc.cfg)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestDecoder_SyntheticFrames(t *testing.T) {
	d := newProc(t, 2, config.Tree{"frames": 2, "video_params": map[string]any{"codec": "h264"}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		task := &module.Task{Alias: "d0"}
		require.NoError(t, d.Process(ctx, task))
		out := task.Outputs()
		require.Len(t, out, 2)
		assert.Equal(t, 0, out[0].Port)
		assert.Equal(t, 1, out[1].Port)
		assert.True(t, strings.HasPrefix(string(out[0].Data), "frame number: "))
		assert.Contains(t, string(out[1].Data), "total frame number: 2 codec: h264")
	}
	assert.ErrorIs(t, d.Process(ctx, &module.Task{}), module.ErrEndOfStream)
}

func TestDecoder_ReadsFileInChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.raw")
	require.NoError(t, os.WriteFile(path, []byte("abcdefg"), 0o644))
	d := newProc(t, 1, config.Tree{"input_path": path, "chunk_size": 3})
	t.Cleanup(func() { d.Close() })

	var chunks []string
	for {
		task := &module.Task{}
		err := d.Process(context.Background(), task)
		if err == module.ErrEndOfStream {
			break
		}
		require.NoError(t, err)
		data := string(task.Outputs()[0].Data)
		chunks = append(chunks, data[strings.IndexByte(data, '\n')+1:])
	}
	assert.Equal(t, []string{"abc", "def", "g"}, chunks)
}

func TestDecoder_MissingFileFails(t *testing.T) {
	d := newProc(t, 1, config.Tree{"input_path": filepath.Join(t.TempDir(), "missing.raw")})
	assert.ErrorContains(t, d.Process(context.Background(), &module.Task{}), "failed to open input")
}

func TestDecoder_ResetKeepsPosition(t *testing.T) {
	d := newProc(t, 1, config.Tree{"frames": 5})
	require.NoError(t, d.Process(context.Background(), &module.Task{}))

	require.NoError(t, d.Reset(context.Background(), config.Tree{"frames": 1}))
	assert.ErrorIs(t, d.Process(context.Background(), &module.Task{}), module.ErrEndOfStream)
	assert.Error(t, d.Reset(context.Background(), config.Tree{"frames": -2}))
}

func TestDecoder_ResetReportsCloseFailure(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.raw")
	second := filepath.Join(dir, "b.raw")
	require.NoError(t, os.WriteFile(first, []byte("abcdef"), 0o644))
	require.NoError(t, os.WriteFile(second, []byte("uvwxyz"), 0o644))
	d := newProc(t, 1, config.Tree{"input_path": first, "chunk_size": 2})
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Process(context.Background(), &module.Task{}))
	require.NotNil(t, d.file)

	require.NoError(t, d.file.Close())
	err := d.Reset(context.Background(), config.Tree{"input_path": second, "chunk_size": 2})
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.ErrorContains(t, err, "failed to close input")
	assert.Equal(t, first, d.cfg.InputPath, "a failed reset keeps the old configuration")

	d.file = nil
	require.NoError(t, d.Reset(context.Background(), config.Tree{"input_path": second, "chunk_size": 2}))
	task := &module.Task{}
	require.NoError(t, d.Process(context.Background(), task))
	assert.Contains(t, string(task.Outputs()[0].Data), "uv")
}
