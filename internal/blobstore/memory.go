package blobstore

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory Store. Blobs vanish on Close.
type Memory struct {
	blobs  map[string]envelope
	mu     sync.RWMutex
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string]envelope)}
}

func (m *Memory) Put(ctx context.Context, data []byte, opts PutOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("blobstore: memory store closed")
	}
	ref := newRef()
	m.blobs[ref] = newEnvelope(data, opts)
	return ref, nil
}

func (m *Memory) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	out := make([]byte, len(env.Data))
	copy(out, env.Data)
	return out, nil
}

func (m *Memory) Exists(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[ref]
	return ok, nil
}

func (m *Memory) VerifyAccess(ctx context.Context, ref, principal string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.blobs[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return checkOwner(env.Owner, principal)
}

// Len returns the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Close drops all blobs.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs = make(map[string]envelope)
	m.closed = true
	return nil
}

var _ Store = (*Memory)(nil)
