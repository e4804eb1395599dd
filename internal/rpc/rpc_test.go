package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcore/internal/blobstore"
	"memcore/internal/indexcache"
	"memcore/internal/monitoring"
)

type refLocator struct {
	refs map[string]string
}

func (l *refLocator) Latest(_ context.Context, tenant string) (string, int64, error) {
	ref, ok := l.refs[tenant]
	if !ok {
		return "", 0, errors.New("no versions")
	}
	return ref, 1, nil
}

func (l *refLocator) record(tenant, ref string, _ int64) {
	l.refs[tenant] = ref
}

func newTestHandler(t *testing.T) (*Handler, *refLocator) {
	t.Helper()
	cfg := indexcache.DefaultConfig()
	cfg.BatchDelay = time.Hour
	loc := &refLocator{refs: map[string]string{}}
	logger := log.New(io.Discard, "", 0)

	engine, err := indexcache.New(cfg, blobstore.NewMemory(),
		indexcache.WithLogger(logger), indexcache.WithHook(loc.record))
	require.NoError(t, err)
	return NewHandler(engine, loc, logger), loc
}

func serve(t *testing.T, h *Handler, lines ...string) []Response {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, h.Serve(context.Background(), strings.NewReader(strings.Join(lines, "\n")), &out))

	var responses []Response
	dec := json.NewDecoder(&out)
	for dec.More() {
		var r Response
		require.NoError(t, dec.Decode(&r))
		responses = append(responses, r)
	}
	return responses
}

// decodeResult round-trips a response result into v.
func decodeResult(t *testing.T, r Response, v any) {
	t.Helper()
	data, err := json.Marshal(r.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestServe_AddSearchFlush(t *testing.T) {
	h, _ := newTestHandler(t)

	resps := serve(t, h,
		`{"op":"add","tenant":"alice","id":1,"vector":[1,0]}`,
		`{"op":"add","tenant":"alice","id":2,"vector":[0,1]}`,
		``,
		`{"op":"search","tenant":"alice","vector":[1,0],"k":1}`,
		`{"op":"flush","tenant":"alice"}`,
		`{"op":"stats"}`,
	)
	require.Len(t, resps, 5)
	for _, r := range resps {
		assert.True(t, r.OK, "%s: %s", r.Op, r.Error)
	}

	var search struct {
		Metric string      `json:"metric"`
		Hits   []SearchHit `json:"hits"`
	}
	decodeResult(t, resps[2], &search)
	require.Len(t, search.Hits, 1)
	assert.Equal(t, uint64(1), search.Hits[0].ID)
	assert.Equal(t, "cosine", search.Metric)
	assert.InDelta(t, 1.0, search.Hits[0].Similarity, 1e-5)

	var flushed indexcache.TenantStats
	decodeResult(t, resps[3], &flushed)
	assert.Equal(t, int64(1), flushed.Version)
	assert.Equal(t, 0, flushed.PendingCount)

	var stats indexcache.CacheStats
	decodeResult(t, resps[4], &stats)
	assert.Equal(t, 1, stats.TotalTenants)
}

func TestServe_ErrorCodes(t *testing.T) {
	h, _ := newTestHandler(t)

	resps := serve(t, h,
		`not json`,
		`{"op":"explode"}`,
		`{"op":"add","id":1,"vector":[1]}`,
		`{"op":"add","tenant":"bob","id":1,"vector":[1,0]}`,
		`{"op":"add","tenant":"bob","id":2,"vector":[1,0,0]}`,
		`{"op":"search","tenant":"nobody","vector":[1]}`,
		`{"op":"stats","tenant":"nobody"}`,
		`{"op":"load","tenant":"bob","ref":"6f1c2d4e-0000-4000-8000-000000000000"}`,
		`{"op":""}`,
	)
	require.Len(t, resps, 9)

	want := []string{
		CodeBadRequest,
		CodeUnknownOp,
		CodeInvalidArgument,
		"",
		CodeDimensionMismatch,
		CodeNoIndex,
		CodeNotFound,
		CodePendingWrites,
		CodeInvalidArgument,
	}
	for i, code := range want {
		if code == "" {
			assert.True(t, resps[i].OK, "line %d: %s", i, resps[i].Error)
			continue
		}
		assert.False(t, resps[i].OK, "line %d", i)
		assert.Equal(t, code, resps[i].Code, "line %d: %s", i, resps[i].Error)
	}
}

func TestServe_LoadAndLoadLatest(t *testing.T) {
	h, loc := newTestHandler(t)

	resps := serve(t, h,
		`{"op":"add","tenant":"carol","id":7,"vector":[0.5,0.5,0]}`,
		`{"op":"flush","tenant":"carol"}`,
		`{"op":"clear","tenant":"carol"}`,
		`{"op":"load_latest","tenant":"carol"}`,
		`{"op":"search","tenant":"carol","vector":[0.5,0.5,0]}`,
		`{"op":"load_latest","tenant":"dan"}`,
	)
	require.Len(t, resps, 6)
	require.True(t, resps[3].OK, resps[3].Error)

	var loaded LoadResult
	decodeResult(t, resps[3], &loaded)
	assert.Equal(t, "hnsw", loaded.Backend)
	assert.Equal(t, 3, loaded.Dims)
	assert.Equal(t, 1, loaded.Vectors)

	assert.True(t, resps[4].OK)
	assert.Equal(t, CodeLoadFailed, resps[5].Code)

	resps = serve(t, h, `{"op":"load","tenant":"erin","ref":"`+loc.refs["carol"]+`"}`)
	require.True(t, resps[0].OK, resps[0].Error)
}

func TestServe_CancelledContext(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	err := h.Serve(ctx, strings.NewReader(`{"op":"stats"}`), &out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, out.Len())
}

func TestHandle_ClosedEngine(t *testing.T) {
	h, _ := newTestHandler(t)
	require.NoError(t, h.engine.Stop(context.Background()))

	resp := h.Handle(context.Background(), Request{Op: "add", Tenant: "x", ID: 1, Vector: []float32{1}})
	assert.Equal(t, CodeClosed, resp.Code)
}

func TestServe_Metrics(t *testing.T) {
	h, _ := newTestHandler(t)

	resps := serve(t, h,
		`{"op":"add","tenant":"alice","id":1,"vector":[1,0]}`,
		`{"op":"search","tenant":"alice","vector":[1,0],"k":1}`,
		`{"op":"flush","tenant":"alice"}`,
		`{"op":"search","tenant":"alice","vector":[1,0],"k":1}`,
		`{"op":"metrics"}`,
	)
	require.Len(t, resps, 5)
	require.True(t, resps[4].OK, resps[4].Error)

	var m monitoring.MetricsSnapshot
	decodeResult(t, resps[4], &m)
	assert.Equal(t, int64(2), m.Searches)
	assert.Equal(t, int64(1), m.MergedSearches)
	assert.Equal(t, int64(1), m.FlushesSucceeded)
	assert.Equal(t, int64(1), m.VectorsFlushed)
	assert.Equal(t, monitoring.StatusHealthy, m.Status)
	assert.Positive(t, m.GoroutineCount)
}
