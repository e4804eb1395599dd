package indexcache

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memcore/internal/ann"
	"memcore/internal/blobstore"
)

var errStoreDown = errors.New("blob store unavailable")

// fakeStore wraps the in-memory store with failure and latency injection.
type fakeStore struct {
	*blobstore.Memory

	mu         sync.Mutex
	failPuts   int  // fail the next n puts
	failAll    bool // fail every put
	hideExists int  // report the next n Exists calls as false
	putStarted chan struct{}
	gate       chan struct{} // puts block until closed

	puts atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{Memory: blobstore.NewMemory()}
}

func (f *fakeStore) Put(ctx context.Context, data []byte, opts blobstore.PutOptions) (string, error) {
	f.puts.Add(1)
	f.mu.Lock()
	fail := f.failAll || f.failPuts > 0
	if f.failPuts > 0 {
		f.failPuts--
	}
	started, gate := f.putStarted, f.gate
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fail {
		return "", errStoreDown
	}
	return f.Memory.Put(ctx, data, opts)
}

func (f *fakeStore) Exists(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	if f.hideExists > 0 {
		f.hideExists--
		f.mu.Unlock()
		return false, nil
	}
	f.mu.Unlock()
	return f.Memory.Exists(ctx, ref)
}

func (f *fakeStore) setFailAll(v bool) {
	f.mu.Lock()
	f.failAll = v
	f.mu.Unlock()
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// hookRecorder captures update hook calls.
type hookRecorder struct {
	mu    sync.Mutex
	calls []hookCall
}

type hookCall struct {
	tenant  string
	ref     string
	version int64
}

func (h *hookRecorder) hook(tenant, ref string, version int64) {
	h.mu.Lock()
	h.calls = append(h.calls, hookCall{tenant, ref, version})
	h.mu.Unlock()
}

func (h *hookRecorder) all() []hookCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hookCall(nil), h.calls...)
}

func (h *hookRecorder) last(t *testing.T) hookCall {
	t.Helper()
	calls := h.all()
	require.NotEmpty(t, calls, "update hook never called")
	return calls[len(calls)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchDelay = time.Hour
	cfg.FlushTimeout = 5 * time.Second
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, store blobstore.Store, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)
	e, err := New(cfg, store, opts...)
	require.NoError(t, err)
	return e
}

// committedIndex decodes the blob at ref.
func committedIndex(t *testing.T, store blobstore.Store, ref string) ann.Index {
	t.Helper()
	data, err := store.Get(context.Background(), ref)
	require.NoError(t, err)
	idx, err := ann.Decode(data)
	require.NoError(t, err)
	return idx
}

// committedIDs decodes the blob at ref and returns its sorted ids.
func committedIDs(t *testing.T, store blobstore.Store, ref string) []uint64 {
	t.Helper()
	data, err := store.Get(context.Background(), ref)
	require.NoError(t, err)
	idx, err := ann.Decode(data)
	require.NoError(t, err)
	ids := idx.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
