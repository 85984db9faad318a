package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-labs/agora/pkg/eventlog"
)

func TestHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"agora", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "replay")
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"agora", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestReplayMissingFile(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"agora", "replay", "--log", "/nonexistent/events.ndjson"}, &out, &errOut)
	assert.Equal(t, 1, code)
}

func TestTimedRunWithAgents(t *testing.T) {
	dir := t.TempDir()
	agents := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(agents, []byte(`
agents:
  - id: alice
    scrip: 100
    autonomous: true
  - id: bob
    scrip: 50
`), 0o644))
	cfg := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
execution:
  use_autonomous_loops: true
  agent_loop:
    min_loop_delay: 20ms
`), 0o644))
	events := filepath.Join(dir, "events.ndjson")

	var out, errOut bytes.Buffer
	code := Run([]string{"agora", "run",
		"--duration", "1",
		"--agents", agents,
		"--config", cfg,
		"--events", events,
	}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	logged, err := eventlog.ReadNDJSON(events, 0)
	require.NoError(t, err)
	require.NotEmpty(t, logged)

	var created, granted int
	for _, e := range logged {
		switch e.Type {
		case eventlog.TypeArtifactCreated:
			created++
		case eventlog.TypeResourceAllocated:
			granted++
		}
	}
	assert.GreaterOrEqual(t, created, 2, "both agents created")
	assert.GreaterOrEqual(t, granted, 2, "both scrip grants evented")
}

func TestReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	sink, err := eventlog.NewNDJSONSink(path)
	require.NoError(t, err)
	log := eventlog.New()
	log.AddSink(sink)
	_, err = log.Append(eventlog.TypeArtifactCreated, "alice", map[string]any{"id": "art1"})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	var out, errOut bytes.Buffer
	code := Run([]string{"agora", "replay", "--log", path}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.True(t, strings.Contains(out.String(), "artifact_created"))
}
