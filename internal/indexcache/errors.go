package indexcache

import (
	"errors"
	"fmt"
)

var (
	ErrDimensionMismatch = errors.New("indexcache: dimension mismatch")
	ErrNoIndexFound      = errors.New("indexcache: no index found")
	ErrFlushFailed       = errors.New("indexcache: flush failed")
	ErrLoadFailed        = errors.New("indexcache: load failed")
	ErrUnflushedEviction = errors.New("indexcache: refusing to evict tenant with unflushed vectors")
	ErrPendingWrites     = errors.New("indexcache: tenant has unflushed vectors")
	ErrInvalidTenant     = errors.New("indexcache: tenant id is empty")
	ErrInvalidVector     = errors.New("indexcache: vector is empty")
	ErrClosed            = errors.New("indexcache: engine stopped")
)

// DimensionMismatchError reports a vector whose size disagrees with the
// tenant's established dimensionality. It matches ErrDimensionMismatch.
type DimensionMismatchError struct {
	Tenant   string
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("indexcache: dimension mismatch for tenant %q: expected %d, got %d",
		e.Tenant, e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}
