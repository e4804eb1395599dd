package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	ref, err := s.Put(ctx, []byte("index-bytes"), PutOptions{
		Owner:     "alice",
		Retention: time.Hour,
		Tags:      map[string]string{"tenant": "alice", "version": "1"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("index-bytes"), got)

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, s.VerifyAccess(ctx, ref, "alice"))
	assert.ErrorIs(t, s.VerifyAccess(ctx, ref, "mallory"), ErrAccessDenied)

	// Every Put yields a new reference.
	ref2, err := s.Put(ctx, []byte("index-bytes"), PutOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, ref, ref2)
	assert.NoError(t, s.VerifyAccess(ctx, ref2, "anyone"))

	missing := "00000000-0000-0000-0000-000000000000"
	_, err = s.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err = s.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, s.VerifyAccess(ctx, missing, "alice"), ErrNotFound)
}

func TestMemory(t *testing.T) {
	s := NewMemory()
	exerciseStore(t, s)
	assert.Equal(t, 2, s.Len())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.Len())
}

func TestLocal(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocal(dir)
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestLocal_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocal(dir)
	require.NoError(t, err)
	ref, err := s.Put(context.Background(), []byte{1, 2, 3}, PutOptions{})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, ref[:2], ref+".blob"))
	require.NoError(t, err)

	reopened, err := NewLocal(dir)
	require.NoError(t, err)
	got, err := reopened.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestLocal_RejectsPathRefs(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocal_CancelledContext(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Put(ctx, []byte("x"), PutOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBadger_InMemory(t *testing.T) {
	s, err := NewBadger(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestBadger_OnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBadger(BadgerOptions{Dir: dir})
	require.NoError(t, err)
	ref, err := s.Put(context.Background(), []byte("persisted"), PutOptions{Owner: "bob"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewBadger(BadgerOptions{Dir: dir})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
	assert.NoError(t, s.VerifyAccess(context.Background(), ref, "bob"))
}

func TestBadger_RequiresDir(t *testing.T) {
	_, err := NewBadger(BadgerOptions{})
	assert.Error(t, err)
}

// countingStore counts Get calls that reach the wrapped store.
type countingStore struct {
	Store
	gets atomic.Int32
}

func (c *countingStore) Get(ctx context.Context, ref string) ([]byte, error) {
	c.gets.Add(1)
	return c.Store.Get(ctx, ref)
}

func TestCached_ServesRepeatReadsFromCache(t *testing.T) {
	inner := &countingStore{Store: NewMemory()}
	ref, err := inner.Put(context.Background(), []byte("blob"), PutOptions{})
	require.NoError(t, err)

	c, err := NewCached(inner, 1<<20)
	require.NoError(t, err)
	defer c.Close()

	got, err := c.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), got)
	c.Wait()

	got, err = c.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), got)
	assert.Equal(t, int32(1), inner.gets.Load())

	// Callers may scribble on returned slices without corrupting the cache.
	got[0] = 'X'
	again, err := c.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), again)
}

func TestCached_Contract(t *testing.T) {
	c, err := NewCached(NewMemory(), 0)
	require.NoError(t, err)
	defer c.Close()
	exerciseStore(t, c)
}

func TestOpen(t *testing.T) {
	s, err := Open(Options{Backend: BackendLocal, LocalDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, s)

	s, err = Open(Options{Backend: BackendMemory, CacheBytes: 1 << 20})
	require.NoError(t, err)
	assert.IsType(t, &Cached{}, s)
	require.NoError(t, s.Close())

	s, err = Open(Options{Backend: BackendS3, S3Bucket: "b", S3: S3Options{Region: "us-east-1"}})
	require.NoError(t, err)
	assert.IsType(t, &S3{}, s)

	_, err = Open(Options{Backend: "floppy"})
	assert.Error(t, err)
}
