package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/mediagrid/internal/graph"
	"github.com/vk/mediagrid/internal/testutil"
)

const graphHCL = `
node "decoder" "d0" {
  module = "test_source"
  config = { frames = 40, interval = "5ms" }
}

node "encoder" "e0" {
  module = "test_sink"
  inputs = [d0.video]
}
`

const updateYAML = `
remove: [e0]
nodes:
  - kind: encoder
    alias: e1
    module: test_sink
    inputs: [d0.video, d0.audio]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestApp(t *testing.T, cfg Config) (*App, *testutil.Modules, *testutil.SafeBuffer) {
	t.Helper()
	if cfg.LogLevel == "" {
		cfg.LogLevel = "debug"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	c, err := NewConfig(cfg)
	require.NoError(t, err)

	logs := &testutil.SafeBuffer{}
	mods := testutil.NewModules()
	a := NewApp(logs, c, mods)
	t.Cleanup(func() {
		a.Engine().ForceStop(context.Background())
		if os.Getenv("MEDIAGRID_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logs.String())
		}
	})
	return a, mods, logs
}

func TestNewConfig(t *testing.T) {
	valid := Config{GraphPath: "g.hcl", LogLevel: "info", LogFormat: "json"}
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing graph", mutate: func(c *Config) { c.GraphPath = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: true},
		{name: "negative queue", mutate: func(c *Config) { c.QueueCapacity = -1 }, wantErr: true},
		{name: "negative delay", mutate: func(c *Config) { c.UpdateDelay = -time.Second }, wantErr: true},
		{name: "bad fault policy", mutate: func(c *Config) { c.FaultPolicy = "ignore" }, wantErr: true},
		{name: "abort policy", mutate: func(c *Config) { c.FaultPolicy = "abort" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			_, err := NewConfig(cfg)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApp_RunAppliesUpdates(t *testing.T) {
	dir := t.TempDir()
	a, mods, logs := newTestApp(t, Config{
		GraphPath:       writeFile(t, dir, "graph.hcl", graphHCL),
		UpdatePaths:     []string{writeFile(t, dir, "update.yaml", updateYAML)},
		UpdateDelay:     20 * time.Millisecond,
		ProgressDecoder: "d0",
		ProgressEncoder: "e0",
	})

	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, graph.Closed, a.Engine().Snapshot().State)
	e0, e1 := mods.Recorder.Frames("e0"), mods.Recorder.Frames("e1")
	assert.NotEmpty(t, e1)
	assert.GreaterOrEqual(t, len(e0)+countPort(e1, 0), 40, "no video frame is lost across the hand-over")
	assert.Equal(t, uint64(39), lastSeq(e1, 0), "the new encoder follows the stream to its end")
	assert.Contains(t, logs.String(), "Resolved update.")
	assert.Equal(t, 40, a.Progress().Snapshot().Total)
}

func countPort(recs []testutil.Record, port int) int {
	n := 0
	for _, r := range recs {
		if r.Port == port {
			n++
		}
	}
	return n
}

func lastSeq(recs []testutil.Record, port int) uint64 {
	var seq uint64
	for _, r := range recs {
		if r.Port == port {
			seq = r.Seq
		}
	}
	return seq
}

func TestApp_RunReportsRejectedUpdate(t *testing.T) {
	dir := t.TempDir()
	a, mods, _ := newTestApp(t, Config{
		GraphPath:   writeFile(t, dir, "graph.hcl", graphHCL),
		UpdatePaths: []string{writeFile(t, dir, "bad.yaml", "remove: [nope]\n")},
	})

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update")
	assert.Len(t, mods.Recorder.Frames("e0"), 40, "the graph keeps running untouched")
}

func TestApp_RunFailsOnBadDescription(t *testing.T) {
	dir := t.TempDir()
	testCases := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "missing.hcl")},
		{"unknown extension", writeFile(t, dir, "graph.txt", "")},
		{"syntax error", writeFile(t, dir, "broken.hcl", `node "decoder" "d0" {`)},
		{"unknown module", writeFile(t, dir, "unknown.yaml", "nodes:\n  - {kind: decoder, alias: d0, module: nope}\n")},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a, _, _ := newTestApp(t, Config{GraphPath: tc.path})
			assert.Error(t, a.Run(context.Background()))
		})
	}
}

func TestApp_LoadsDirectoryWithMixedFormats(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.hcl", `node "decoder" "d0" {
  module = "test_source"
  config = { frames = 5 }
}`)
	writeFile(t, dir, "b.yaml", "nodes:\n  - {kind: encoder, alias: e0, module: test_sink, inputs: [d0.0]}\n")

	a, mods, _ := newTestApp(t, Config{GraphPath: dir})
	require.NoError(t, a.Run(context.Background()))
	assert.Len(t, mods.Recorder.Frames("e0"), 5)
}

func TestApp_HealthAndMetrics(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	dir := t.TempDir()
	a, _, _ := newTestApp(t, Config{
		GraphPath:       writeFile(t, dir, "graph.hcl", strings.Replace(graphHCL, "frames = 40", "frames = 0", 1)),
		HealthcheckPort: port,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	get := func(path string) (int, string) {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
		if err != nil {
			return 0, ""
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	assert.Eventually(t, func() bool {
		code, body := get("/health")
		return code == http.StatusOK && strings.TrimSpace(body) == "OK"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, body := get("/metrics")
		return strings.Contains(body, "mediagrid_frames_emitted_total")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "an interrupted run drains cleanly")
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
