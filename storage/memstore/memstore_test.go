package memstore

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/bitrise-io/go-resumable/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var blob = storage.BlobID{Bucket: "bucket", Name: "object"}

func TestStore_SessionLifecycle(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	opts, err := storage.NewOptions(storage.ContentType("text/plain"), storage.DoesNotExist())
	require.NoError(t, err)
	id, err := s.StartResumableUpload(ctx, blob, opts)
	require.NoError(t, err)

	acked, err := s.WriteChunk(ctx, id, 0, []byte("abc"), false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), acked)

	t.Run("resent range is not duplicated", func(t *testing.T) {
		acked, err := s.WriteChunk(ctx, id, 1, []byte("bcd"), false)
		require.NoError(t, err)
		assert.Equal(t, int64(4), acked)
	})

	t.Run("gap reports persisted bytes", func(t *testing.T) {
		acked, err := s.WriteChunk(ctx, id, 10, []byte("x"), false)
		require.NoError(t, err)
		assert.Equal(t, int64(4), acked)
	})

	acked, err = s.WriteChunk(ctx, id, 4, []byte("e"), true)
	require.NoError(t, err)
	assert.Equal(t, int64(5), acked)

	info, err := s.Session(id)
	require.NoError(t, err)
	assert.True(t, info.Committed)
	assert.Equal(t, int64(5), info.Persisted)

	obj, ok := s.Object(blob.Bucket, blob.Name)
	require.True(t, ok)
	assert.Equal(t, "abcde", string(obj.Data))
	assert.Equal(t, "text/plain", obj.ContentType)

	_, err = s.WriteChunk(ctx, id, 5, []byte("f"), false)
	assert.Equal(t, http.StatusBadRequest, code(t, err))

	acked, err = s.WriteChunk(ctx, id, 4, []byte("e"), true)
	require.NoError(t, err)
	assert.Equal(t, int64(5), acked)
}

func TestStore_PreconditionCheckedAtCommit(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	opts, err := storage.NewOptions(storage.DoesNotExist())
	require.NoError(t, err)
	id, err := s.StartResumableUpload(ctx, blob, opts)
	require.NoError(t, err)

	s.Put(blob, []byte("raced"))
	_, err = s.WriteChunk(ctx, id, 0, []byte("mine"), true)
	assert.True(t, storage.IsPreconditionFailed(err))
}

func TestStore_FaultInjection(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	s.Put(blob, []byte("data"))

	injected := errors.New("injected")
	s.FailNext(OpRead, injected, 2)
	s.FailNext(OpRead, storage.ErrClosed, 1)

	for _, want := range []error{injected, injected, storage.ErrClosed, nil} {
		_, err := s.ReadChunk(ctx, blob, 0, 4, storage.Options{})
		assert.Equal(t, want, err)
	}
	assert.Equal(t, 4, s.Calls(OpRead))
	assert.Equal(t, 0, s.Calls(OpWrite))
}

func TestStore_AckManipulation(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	id, err := s.StartResumableUpload(ctx, blob, storage.Options{})
	require.NoError(t, err)

	s.SkewAck(-2)
	acked, err := s.WriteChunk(ctx, id, 0, []byte("abcd"), false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), acked)

	acked, err = s.WriteChunk(ctx, id, 4, []byte("ef"), false)
	require.NoError(t, err)
	assert.Equal(t, int64(6), acked)

	s.LimitAccept(1)
	acked, err = s.WriteChunk(ctx, id, 6, []byte("gh"), false)
	require.NoError(t, err)
	assert.Equal(t, int64(7), acked)
}

func TestStore_ExpiredSessionAndMissingObject(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	id, err := s.StartResumableUpload(ctx, blob, storage.Options{})
	require.NoError(t, err)
	s.ExpireSession(id)
	_, err = s.WriteChunk(ctx, id, 0, []byte("x"), false)
	assert.Equal(t, http.StatusGone, code(t, err))

	_, err = s.Stat(ctx, blob)
	assert.True(t, storage.IsNotFound(err))

	chunk, err := s.ReadChunk(ctx, storage.BlobID{Bucket: "bucket", Name: "other"}, 0, 1, storage.Options{})
	assert.True(t, storage.IsNotFound(err))
	assert.Empty(t, chunk.Data)
}

func code(t *testing.T, err error) int {
	t.Helper()
	var serviceErr *storage.ServiceError
	require.True(t, errors.As(err, &serviceErr))
	return serviceErr.Code
}
