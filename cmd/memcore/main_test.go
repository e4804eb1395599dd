package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcore/internal/datadir"
	"memcore/internal/maintenance"
)

// useTempDataDir points the CLI at a fresh data directory and config file.
func useTempDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(datadir.EnvVar, dir)
	cfgFile = filepath.Join(dir, datadir.ConfigFileName)
	t.Cleanup(func() { cfgFile = "" })
	return dir
}

func TestOpenApp_FlushIsRecordedAndInspectable(t *testing.T) {
	dir := useTempDataDir(t)

	a, err := openApp(openFlags{engine: true})
	require.NoError(t, err)
	defer a.close()
	assert.Equal(t, dir, a.layout.Root())
	assert.FileExists(t, cfgFile, "default config written on first use")

	status := a.maint.GetStatus()
	assert.Contains(t, status, "registry-prune")
	assert.Contains(t, status, "cache-eviction")

	ctx := context.Background()
	require.NoError(t, a.engine.AddVectorBatched("alice", 1, []float32{1, 0, 0}))
	require.NoError(t, a.engine.AddVectorBatched("alice", 2, []float32{0, 1, 0}))
	require.NoError(t, a.engine.ForceFlush(ctx, "alice"))

	ref, version, err := a.registry.Latest(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	data, err := a.store.Get(ctx, ref)
	require.NoError(t, err)
	info, err := describeBlob(ref, data)
	require.NoError(t, err)
	assert.Equal(t, "hnsw", info.Backend)
	assert.Equal(t, 3, info.Dims)
	assert.Equal(t, 2, info.Vectors)

	require.NoError(t, a.engine.Stop(ctx))
}

func TestOpenApp_RestartLoadsLatest(t *testing.T) {
	useTempDataDir(t)
	ctx := context.Background()

	first, err := openApp(openFlags{engine: true})
	require.NoError(t, err)
	require.NoError(t, first.engine.AddVectorBatched("bob", 9, []float32{0.2, 0.8}))
	require.NoError(t, first.engine.Stop(ctx), "stop drains pending vectors")
	first.close()

	second, err := openApp(openFlags{engine: true})
	require.NoError(t, err)
	defer second.close()

	idx, err := second.engine.LoadLatest(ctx, "bob", second.registry)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())

	res, err := second.engine.Search("bob", []float32{0.2, 0.8}, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{9}, res.IDs)
	require.NoError(t, second.engine.Stop(ctx))
}

func TestRunBench(t *testing.T) {
	benchVectors, benchDims, benchPending, benchQueries = 200, 8, 3, 10
	var out bytes.Buffer
	require.NoError(t, runBench(&out))
	assert.Contains(t, out.String(), "committed")
	assert.Contains(t, out.String(), "merged (+3 pending)")
}

func TestPrintTaskResults(t *testing.T) {
	status := map[string]maintenance.TaskStatus{
		"cache-eviction": {
			Name: "cache-eviction",
			Runs: 2, Failures: 1,
			LastResult: maintenance.TaskResult{
				Success: true,
				Message: "evicted 0 tenant(s), 1 stale tenant(s) still have unflushed vectors",
				Error:   errors.New("unflushed"),
			},
		},
		"registry-prune": {
			Name: "registry-prune",
			Runs: 1,
			LastResult: maintenance.TaskResult{Success: true, Message: "pruned 3", RecordsProcessed: 3},
		},
	}

	var out bytes.Buffer
	require.NoError(t, printTaskResults(&out, status, sortedTaskNames(status)))
	text := out.String()
	assert.Contains(t, text, "cache-eviction")
	assert.Contains(t, text, "FAILED")
	assert.Contains(t, text, "2/1")
	assert.Contains(t, text, "cache-eviction: unflushed")

	maintenanceJSONOutput = true
	t.Cleanup(func() { maintenanceJSONOutput = false })
	out.Reset()
	require.NoError(t, printTaskResults(&out, status, []string{"cache-eviction"}))
	assert.Contains(t, out.String(), `"error": "unflushed"`)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(func() { versionCmd.SetOut(nil) })
	require.NoError(t, versionCmd.RunE(versionCmd, nil))
	assert.Contains(t, out.String(), "Index format: v1 (hnsw, chromem)")
}
