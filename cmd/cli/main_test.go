package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/mediagrid/internal/cli"
)

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.raw")
	graph := `
node "decoder" "d0" {
  config = { frames = 5 }
}

node "encoder" "e0" {
  inputs = [d0.video]
  config = { output_path = "` + filepath.ToSlash(out) + `" }
}
`
	path := filepath.Join(dir, "graph.hcl")
	require.NoError(t, os.WriteFile(path, []byte(graph), 0o600))

	logs := &bytes.Buffer{}
	require.NoError(t, run(context.Background(), logs, []string{"-log-format", "text", "-progress-decoder", "d0", "-progress-encoder", "e0", path}))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, 5, strings.Count(string(got), "\n"), "one header line per frame")
	assert.Contains(t, logs.String(), "Graph finished.")
	assert.Contains(t, logs.String(), "percent=80")
}

func TestRun_FailureExitCode(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  - {kind: encoder, alias: e0, inputs: [d9.0]}\n"), 0o600))

	err := run(context.Background(), &bytes.Buffer{}, []string{path})
	var exitErr *cli.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 12, exitErr.Code, "unknown producer is a topology conflict")
}

func TestRun_ShouldExit(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	require.NoError(t, run(context.Background(), out, []string{"-h"}))
	require.Contains(t, out.String(), "Usage:")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()

	err := run(context.Background(), &bytes.Buffer{}, []string{"--this-is-not-a-valid-flag"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "flag provided but not defined: -this-is-not-a-valid-flag")
}
