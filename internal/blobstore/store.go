// Package blobstore persists serialized indexes as immutable, content-opaque
// blobs. Every Put produces a fresh reference; blobs are never overwritten.
//
// Backends (local disk, S3, Badger, in-memory) implement the same Store
// interface and are chosen once at startup by Open.
package blobstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a reference does not resolve to a blob.
	ErrNotFound = errors.New("blobstore: blob not found")

	// ErrAccessDenied is returned by VerifyAccess when the principal does
	// not own the blob.
	ErrAccessDenied = errors.New("blobstore: access denied")
)

// PutOptions carries the metadata stored alongside a blob.
type PutOptions struct {
	// Owner is the principal allowed to read the blob. Empty means public.
	Owner string

	// Retention is a hint for how long the backend should keep the blob.
	Retention time.Duration

	// Tags are free-form labels (tenant, version, ...).
	Tags map[string]string
}

// Store is a durable, write-once blob store.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores data and returns its reference.
	Put(ctx context.Context, data []byte, opts PutOptions) (string, error)

	// Get returns the blob for ref, or an error wrapping ErrNotFound.
	Get(ctx context.Context, ref string) ([]byte, error)

	// Exists reports whether ref is readable yet. Eventually consistent
	// backends may report false shortly after Put.
	Exists(ctx context.Context, ref string) (bool, error)

	// VerifyAccess returns nil when principal may read ref.
	VerifyAccess(ctx context.Context, ref, principal string) error

	// Close releases backend resources.
	Close() error
}

// envelope is the on-disk record used by the Local and Badger backends.
type envelope struct {
	Owner     string            `msgpack:"owner,omitempty"`
	Tags      map[string]string `msgpack:"tags,omitempty"`
	CreatedAt time.Time         `msgpack:"created_at"`
	Retention time.Duration     `msgpack:"retention,omitempty"`
	Data      []byte            `msgpack:"data"`
}

func newEnvelope(data []byte, opts PutOptions) envelope {
	buf := make([]byte, len(data))
	copy(buf, data)
	return envelope{
		Owner:     opts.Owner,
		Tags:      opts.Tags,
		CreatedAt: time.Now().UTC(),
		Retention: opts.Retention,
		Data:      buf,
	}
}

func newRef() string {
	return uuid.NewString()
}

// validRef rejects references that could escape a backend's namespace.
func validRef(ref string) bool {
	_, err := uuid.Parse(ref)
	return err == nil
}

func checkOwner(owner, principal string) error {
	if owner != "" && owner != principal {
		return ErrAccessDenied
	}
	return nil
}
