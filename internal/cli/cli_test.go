package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	out := &bytes.Buffer{}
	cfg, exit, err := Parse([]string{"graph.hcl"}, out)
	require.NoError(t, err)
	require.False(t, exit)

	assert.Equal(t, "graph.hcl", cfg.GraphPath)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "contain", cfg.FaultPolicy)
	assert.Equal(t, 10*time.Second, cfg.DrainTimeout)
	assert.Empty(t, cfg.UpdatePaths)
}

func TestParse_AllFlags(t *testing.T) {
	cfg, exit, err := Parse([]string{
		"-g", "graph.yaml",
		"-update", "u1.hcl", "-update", "u2.yaml",
		"-update-delay", "1s",
		"-log-format", "TEXT", "-log-level", "Debug",
		"-healthcheck-port", "8080",
		"-queue-capacity", "4",
		"-drain-timeout", "3s",
		"-fault-policy", "abort",
		"-progress-decoder", "d0", "-progress-encoder", "e0",
	}, &bytes.Buffer{})
	require.NoError(t, err)
	require.False(t, exit)

	assert.Equal(t, "graph.yaml", cfg.GraphPath)
	assert.Equal(t, []string{"u1.hcl", "u2.yaml"}, cfg.UpdatePaths)
	assert.Equal(t, time.Second, cfg.UpdateDelay)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.HealthcheckPort)
	assert.Equal(t, 4, cfg.QueueCapacity)
	assert.Equal(t, 3*time.Second, cfg.DrainTimeout)
	assert.Equal(t, "abort", cfg.FaultPolicy)
	assert.Equal(t, "d0", cfg.ProgressDecoder)
	assert.Equal(t, "e0", cfg.ProgressEncoder)
}

func TestParse_GraphFlagWins(t *testing.T) {
	cfg, _, err := Parse([]string{"-graph", "a.hcl", "-g", "b.hcl", "c.hcl"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "a.hcl", cfg.GraphPath)
}

func TestParse_ExitsWithUsage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}} {
		out := &bytes.Buffer{}
		cfg, exit, err := Parse(args, out)
		require.NoError(t, err)
		assert.True(t, exit)
		assert.Nil(t, cfg)
		assert.Contains(t, out.String(), "Usage:")
	}
}

func TestParse_Errors(t *testing.T) {
	testCases := []struct {
		name string
		args []string
		msg  string
	}{
		{"unknown flag", []string{"-nope"}, "flag provided but not defined"},
		{"bad format", []string{"-log-format", "xml", "g.hcl"}, "invalid log-format"},
		{"bad level", []string{"-log-level", "loud", "g.hcl"}, "invalid log-level"},
		{"bad policy", []string{"-fault-policy", "ignore", "g.hcl"}, "unknown fault policy"},
		{"negative queue", []string{"-queue-capacity", "-1", "g.hcl"}, "queue capacity"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Parse(tc.args, &bytes.Buffer{})
			require.Error(t, err)
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 2, exitErr.Code)
			assert.Contains(t, exitErr.Message, tc.msg)
		})
	}
}
