package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// Local stores blobs as msgpack envelopes under a root directory, sharded
// by the first two characters of the reference.
type Local struct {
	root string
}

// NewLocal creates a Local store rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, errors.New("blobstore: local dir is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("blobstore: create %s: %w", dir, err)
	}
	return &Local{root: dir}, nil
}

func (l *Local) path(ref string) string {
	return filepath.Join(l.root, ref[:2], ref+".blob")
}

// Put writes to a temp file and renames it into place so readers never see
// a partial blob.
func (l *Local) Put(ctx context.Context, data []byte, opts PutOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := msgpack.Marshal(newEnvelope(data, opts))
	if err != nil {
		return "", fmt.Errorf("blobstore: encode envelope: %w", err)
	}

	ref := newRef()
	dst := l.path(ref)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("blobstore: create shard: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return "", fmt.Errorf("blobstore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("blobstore: write %s: %w", ref, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("blobstore: sync %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("blobstore: commit %s: %w", ref, err)
	}
	return ref, nil
}

func (l *Local) read(ref string) (envelope, error) {
	var env envelope
	if !validRef(ref) {
		return env, fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
	raw, err := os.ReadFile(l.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return env, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return env, fmt.Errorf("blobstore: read %s: %w", ref, err)
	}
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("blobstore: decode envelope %s: %w", ref, err)
	}
	return env, nil
}

func (l *Local) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env, err := l.read(ref)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (l *Local) Exists(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !validRef(ref) {
		return false, nil
	}
	_, err := os.Stat(l.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (l *Local) VerifyAccess(ctx context.Context, ref, principal string) error {
	env, err := l.read(ref)
	if err != nil {
		return err
	}
	return checkOwner(env.Owner, principal)
}

func (l *Local) Close() error { return nil }

var _ Store = (*Local)(nil)
