package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// apiError implements smithy.APIError for test assertions.
type apiError struct {
	code string
	msg  string
}

func (e *apiError) Error() string                 { return e.msg }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.msg }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

var (
	errNoSuchKey = &apiError{code: "NoSuchKey", msg: "no such key"}
	errNotFound  = &apiError{code: "NotFound", msg: "not found"}
)

type mockObject struct {
	data []byte
	meta map[string]string
}

// mockS3 is a thread-safe in-memory S3 backend with error injection.
type mockS3 struct {
	mu      sync.Mutex
	objects map[string]mockObject

	getErr  error
	putErr  error
	headErr error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string]mockObject)}
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[*in.Key]
	if !ok {
		return nil, errNoSuchKey
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.data)),
		Metadata: obj.meta,
	}, nil
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Key] = mockObject{data: data, meta: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[*in.Key]
	if !ok {
		return nil, errNotFound
	}
	return &s3.HeadObjectOutput{Metadata: obj.meta}, nil
}

func TestS3_Contract(t *testing.T) {
	s, err := NewS3(newMockS3(), "bucket", "indexes")
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestS3_KeysAndMetadata(t *testing.T) {
	mock := newMockS3()
	s, err := NewS3(mock, "bucket", "indexes")
	require.NoError(t, err)

	ref, err := s.Put(context.Background(), []byte("x"), PutOptions{
		Owner: "alice",
		Tags:  map[string]string{"tenant": "alice"},
	})
	require.NoError(t, err)

	obj, ok := mock.objects["indexes/"+ref]
	require.True(t, ok, "object stored under prefix")
	assert.Equal(t, "alice", obj.meta[metaOwner])
	assert.Equal(t, "alice", obj.meta[metaTagPrefix+"tenant"])
}

func TestS3_NoPrefix(t *testing.T) {
	mock := newMockS3()
	s, _ := NewS3(mock, "bucket", "")
	ref, err := s.Put(context.Background(), []byte("x"), PutOptions{})
	require.NoError(t, err)
	_, ok := mock.objects[ref]
	assert.True(t, ok)
}

func TestS3_ErrorsPropagate(t *testing.T) {
	mock := newMockS3()
	s, _ := NewS3(mock, "bucket", "")

	mock.putErr = errors.New("throttled")
	_, err := s.Put(context.Background(), []byte("x"), PutOptions{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "throttled"))

	mock.putErr = nil
	mock.headErr = errors.New("network down")
	_, err = s.Exists(context.Background(), "ref")
	assert.Error(t, err)

	mock.getErr = errors.New("network down")
	_, err = s.Get(context.Background(), "ref")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestS3_RequiresBucket(t *testing.T) {
	_, err := NewS3(newMockS3(), "", "")
	assert.Error(t, err)
}

func TestIsS3NotFound(t *testing.T) {
	assert.True(t, isS3NotFound(errNoSuchKey))
	assert.True(t, isS3NotFound(errNotFound))
	assert.False(t, isS3NotFound(&apiError{code: "AccessDenied"}))
	assert.False(t, isS3NotFound(errors.New("boom")))
}
