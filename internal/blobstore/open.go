package blobstore

import (
	"fmt"
	"log"
)

// Backend names accepted by Open.
const (
	BackendLocal  = "local"
	BackendS3     = "s3"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend  string
	LocalDir string

	S3Bucket string
	S3Prefix string
	S3       S3Options

	BadgerDir      string
	BadgerInMemory bool

	// CacheBytes > 0 wraps the backend in a Cached read cache.
	CacheBytes int64

	Logger *log.Logger
}

// Open builds the Store named by o.Backend.
func Open(o Options) (Store, error) {
	logger := o.Logger
	if logger == nil {
		logger = log.Default()
	}

	var (
		store Store
		err   error
	)
	switch o.Backend {
	case BackendLocal, "":
		store, err = NewLocal(o.LocalDir)
	case BackendS3:
		store, err = NewS3(NewS3Client(o.S3), o.S3Bucket, o.S3Prefix)
	case BackendBadger:
		store, err = NewBadger(BadgerOptions{Dir: o.BadgerDir, InMemory: o.BadgerInMemory, Logger: logger})
	case BackendMemory:
		store = NewMemory()
	default:
		return nil, fmt.Errorf("blobstore: unknown backend %q", o.Backend)
	}
	if err != nil {
		return nil, err
	}

	if o.CacheBytes > 0 {
		cached, err := NewCached(store, o.CacheBytes)
		if err != nil {
			store.Close()
			return nil, err
		}
		store = cached
	}
	logger.Printf("[BlobStore] Using %s backend (cache=%v)", backendName(o.Backend), o.CacheBytes > 0)
	return store, nil
}

func backendName(b string) string {
	if b == "" {
		return BackendLocal
	}
	return b
}
