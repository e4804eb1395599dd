// Package rpc serves the index cache over a line-delimited JSON stream:
// one request object per input line, one response object per output line.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"memcore/internal/blobstore"
	"memcore/internal/indexcache"
)

// maxLineBytes bounds a single request line. High-dimensional vectors
// encoded as JSON are large.
const maxLineBytes = 16 << 20

// Request is one command.
//
//	{"op":"add","tenant":"alice","id":1,"vector":[1,0]}
//	{"op":"search","tenant":"alice","vector":[1,0],"k":5}
//	{"op":"flush","tenant":"alice"}
//	{"op":"load","tenant":"alice","ref":"..."}
//	{"op":"metrics"}
type Request struct {
	Op     string    `json:"op"`
	Tenant string    `json:"tenant,omitempty"`
	ID     uint64    `json:"id,omitempty"`
	Vector []float32 `json:"vector,omitempty"`
	K      int       `json:"k,omitempty"`
	Ref    string    `json:"ref,omitempty"`
	Dims   int       `json:"dims,omitempty"`
}

// Response is the reply to one Request.
type Response struct {
	OK     bool   `json:"ok"`
	Op     string `json:"op,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
	Result any    `json:"result,omitempty"`
}

// Error codes.
const (
	CodeBadRequest        = "bad_request"
	CodeUnknownOp         = "unknown_op"
	CodeInvalidArgument   = "invalid_argument"
	CodeDimensionMismatch = "dimension_mismatch"
	CodeNoIndex           = "no_index"
	CodeFlushFailed       = "flush_failed"
	CodeLoadFailed        = "load_failed"
	CodePendingWrites     = "pending_writes"
	CodeClosed            = "closed"
	CodeNotFound          = "not_found"
	CodeInternal          = "internal"
)

// SearchHit is one neighbor in a search response.
type SearchHit struct {
	ID         uint64  `json:"id"`
	Distance   float32 `json:"distance"`
	Similarity float32 `json:"similarity"`
}

// LoadResult describes an installed index.
type LoadResult struct {
	Tenant  string `json:"tenant"`
	Ref     string `json:"ref,omitempty"`
	Backend string `json:"backend"`
	Dims    int    `json:"dims"`
	Vectors int    `json:"vectors"`
}

// Handler dispatches requests to an engine.
type Handler struct {
	engine  *indexcache.Engine
	locator indexcache.Locator
	logger  *log.Logger
}

// NewHandler creates a handler. locator may be nil, in which case
// load_latest is rejected.
func NewHandler(engine *indexcache.Engine, locator indexcache.Locator, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{engine: engine, locator: locator, logger: logger}
}

// Serve reads requests from r until EOF or ctx is cancelled and writes one
// response per request to w. Malformed lines get an error response; only
// I/O errors end the loop.
func (h *Handler) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = Response{Error: "invalid JSON: " + err.Error(), Code: CodeBadRequest}
		} else {
			resp = h.Handle(ctx, req)
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	return nil
}

// Handle executes a single request.
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	result, err := h.dispatch(ctx, req)
	if err != nil {
		code := errorCode(err)
		if code == CodeInternal || code == CodeFlushFailed {
			h.logger.Printf("[RPC] %s %s failed: %v", req.Op, req.Tenant, err)
		}
		return Response{Op: req.Op, Error: err.Error(), Code: code}
	}
	return Response{OK: true, Op: req.Op, Result: result}
}

var (
	errUnknownOp = errors.New("unknown op")
	errMissing   = errors.New("missing required field")
	errNotFound  = errors.New("not found")
)

func (h *Handler) dispatch(ctx context.Context, req Request) (any, error) {
	needTenant := func() error {
		if req.Tenant == "" {
			return fmt.Errorf("%w: tenant", errMissing)
		}
		return nil
	}

	switch req.Op {
	case "add":
		if err := needTenant(); err != nil {
			return nil, err
		}
		if err := h.engine.AddVectorBatched(req.Tenant, req.ID, req.Vector); err != nil {
			return nil, err
		}
		return map[string]any{"status": "queued"}, nil

	case "ensure":
		if err := needTenant(); err != nil {
			return nil, err
		}
		return nil, h.engine.EnsureTenant(req.Tenant, req.Dims)

	case "search":
		if err := needTenant(); err != nil {
			return nil, err
		}
		if len(req.Vector) == 0 {
			return nil, fmt.Errorf("%w: vector", errMissing)
		}
		k := req.K
		if k <= 0 {
			k = 10
		}
		res, err := h.engine.Search(req.Tenant, req.Vector, k)
		if err != nil {
			return nil, err
		}
		sims := res.Similarities()
		hits := make([]SearchHit, len(res.IDs))
		for i := range res.IDs {
			hits[i] = SearchHit{ID: res.IDs[i], Distance: res.Distances[i], Similarity: sims[i]}
		}
		return map[string]any{"metric": res.Metric, "hits": hits}, nil

	case "flush":
		if req.Tenant == "" {
			return h.engine.FlushDue(ctx), nil
		}
		if err := h.engine.ForceFlush(ctx, req.Tenant); err != nil {
			return nil, err
		}
		st, _ := h.engine.TenantStats(req.Tenant)
		return st, nil

	case "stats":
		if req.Tenant == "" {
			return h.engine.GetCacheStats(), nil
		}
		st, ok := h.engine.TenantStats(req.Tenant)
		if !ok {
			return nil, fmt.Errorf("%w: tenant %s", errNotFound, req.Tenant)
		}
		return st, nil

	case "touch":
		if err := needTenant(); err != nil {
			return nil, err
		}
		if !h.engine.Touch(req.Tenant) {
			return nil, fmt.Errorf("%w: tenant %s", errNotFound, req.Tenant)
		}
		return nil, nil

	case "clear":
		if err := needTenant(); err != nil {
			return nil, err
		}
		return map[string]bool{"cleared": h.engine.ClearTenant(req.Tenant)}, nil

	case "load":
		if err := needTenant(); err != nil {
			return nil, err
		}
		if req.Ref == "" {
			return nil, fmt.Errorf("%w: ref", errMissing)
		}
		idx, err := h.engine.Load(ctx, req.Tenant, req.Ref)
		if err != nil {
			return nil, err
		}
		return LoadResult{Tenant: req.Tenant, Ref: req.Ref, Backend: idx.Kind().String(), Dims: idx.Dimensions(), Vectors: idx.Len()}, nil

	case "load_latest":
		if err := needTenant(); err != nil {
			return nil, err
		}
		if h.locator == nil {
			return nil, fmt.Errorf("%w: no version registry configured", errUnknownOp)
		}
		idx, err := h.engine.LoadLatest(ctx, req.Tenant, h.locator)
		if err != nil {
			return nil, err
		}
		return LoadResult{Tenant: req.Tenant, Backend: idx.Kind().String(), Dims: idx.Dimensions(), Vectors: idx.Len()}, nil

	case "sweep":
		return h.engine.SweepStale(time.Now()), nil

	case "metrics":
		m := h.engine.Metrics()
		m.UpdateSystemMetrics()
		return m.Snapshot(), nil

	case "":
		return nil, fmt.Errorf("%w: op", errMissing)
	default:
		return nil, fmt.Errorf("%w %q", errUnknownOp, req.Op)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errMissing),
		errors.Is(err, indexcache.ErrInvalidTenant),
		errors.Is(err, indexcache.ErrInvalidVector):
		return CodeInvalidArgument
	case errors.Is(err, errUnknownOp):
		return CodeUnknownOp
	case errors.Is(err, errNotFound):
		return CodeNotFound
	case errors.Is(err, indexcache.ErrDimensionMismatch):
		return CodeDimensionMismatch
	case errors.Is(err, indexcache.ErrNoIndexFound):
		return CodeNoIndex
	case errors.Is(err, indexcache.ErrPendingWrites):
		return CodePendingWrites
	case errors.Is(err, indexcache.ErrLoadFailed), errors.Is(err, blobstore.ErrNotFound):
		return CodeLoadFailed
	case errors.Is(err, indexcache.ErrFlushFailed):
		return CodeFlushFailed
	case errors.Is(err, indexcache.ErrClosed):
		return CodeClosed
	default:
		return CodeInternal
	}
}
