package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/localsync/internal/sync"
)

const sample = `
engine:
  batch_window: 100ms
  retry_delays: [500ms, 2s]
  max_attempts: 3
  pull_interval: 1m
topics:
  - table: notes
    policy: lww
    scope: team/
  - table: counters
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)

	cfg := f.EngineConfig()
	assert.Equal(t, 100*time.Millisecond, cfg.BatchWindow)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 2 * time.Second}, cfg.RetryDelays)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.PullInterval)
	assert.Equal(t, sync.DefaultConfig().MaxQueueBytes, cfg.MaxQueueBytes)

	adapters, err := f.Adapters()
	require.NoError(t, err)
	require.Len(t, adapters, 2)
	assert.Equal(t, "notes", adapters[0].Table())
	assert.Equal(t, sync.PolicyLWW, adapters[0].Policy())
	assert.Equal(t, "team/", adapters[0].Scope().KeyPrefix)
	assert.Equal(t, sync.PolicyCRDT, adapters[1].Policy())
}

func TestParseRejects(t *testing.T) {
	tests := map[string]string{
		"unknown field":    "engine:\n  batch_windw: 1s\n",
		"bad duration":     "engine:\n  batch_window: soon\n",
		"bad policy":       "topics:\n  - table: notes\n    policy: fifo\n",
		"missing table":    "topics:\n  - policy: lww\n",
		"duplicate table":  "topics:\n  - table: notes\n  - table: notes\n",
		"batch over queue": "engine:\n  max_queue_bytes: 10\n  max_batch_bytes: 20\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestUnsupportedOverrideFailsOnResolve(t *testing.T) {
	f, err := Parse([]byte("topics:\n  - table: counters\n    policy: merge\n  - table: ghosts\n"))
	require.NoError(t, err)
	_, err = f.Adapters()
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	f, err := Load("")
	require.NoError(t, err)
	adapters, err := f.Adapters()
	require.NoError(t, err)
	assert.Len(t, adapters, 3)
	assert.Equal(t, sync.DefaultConfig().BatchWindow, f.EngineConfig().BatchWindow)

	path := filepath.Join(t.TempDir(), "localsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	f, err = Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Topics, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = Load(empty)
	assert.NoError(t, err)
}
