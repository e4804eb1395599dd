package blobstore

import (
	"context"
	"errors"
	"fmt"
	"log"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const badgerKeyPrefix = "blob/"

// BadgerOptions configures the Badger backend.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory runs BadgerDB without disk persistence. Useful for tests.
	InMemory bool

	// Logger receives badger warnings and errors. Defaults to log.Default().
	Logger *log.Logger
}

// Badger stores blob envelopes in an embedded BadgerDB.
type Badger struct {
	db *badger.DB
}

// NewBadger opens (or creates) a Badger-backed Store.
func NewBadger(o BadgerOptions) (*Badger, error) {
	if !o.InMemory && o.Dir == "" {
		return nil, errors.New("blobstore: badger dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(o.Dir)
	if o.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	logger := o.Logger
	if logger == nil {
		logger = log.Default()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{logger})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func badgerKey(ref string) []byte {
	return []byte(badgerKeyPrefix + ref)
}

func (b *Badger) Put(ctx context.Context, data []byte, opts PutOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	env := newEnvelope(data, opts)
	raw, err := msgpack.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("blobstore: encode envelope: %w", err)
	}
	ref := newRef()
	err = b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(badgerKey(ref), raw)
		if opts.Retention > 0 {
			e = e.WithTTL(opts.Retention)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return "", fmt.Errorf("blobstore: badger put %s: %w", ref, err)
	}
	return ref, nil
}

func (b *Badger) read(ref string) (envelope, error) {
	var env envelope
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(ref))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return env, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return env, fmt.Errorf("blobstore: badger get %s: %w", ref, err)
	}
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("blobstore: decode envelope %s: %w", ref, err)
	}
	return env, nil
}

func (b *Badger) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env, err := b.read(ref)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (b *Badger) Exists(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerKey(ref))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *Badger) VerifyAccess(ctx context.Context, ref, principal string) error {
	env, err := b.read(ref)
	if err != nil {
		return err
	}
	return checkOwner(env.Owner, principal)
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger output to a *log.Logger, suppressing debug and
// info messages.
type badgerLogger struct {
	l *log.Logger
}

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Printf("[BlobStore] badger ERROR: "+f, v...) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Printf("[BlobStore] badger WARN: "+f, v...) }
func (badgerLogger) Infof(string, ...interface{})          {}
func (badgerLogger) Debugf(string, ...interface{})         {}

var _ Store = (*Badger)(nil)
