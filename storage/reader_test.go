package storage_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/bitrise-io/go-resumable/retry"
	"github.com/bitrise-io/go-resumable/storage"
	"github.com/bitrise-io/go-resumable/storage/memstore"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBlob = storage.BlobID{Bucket: "bucket", Name: "dir/object.bin"}

func fastRetry(retries int) retry.Params {
	return retry.MustParams(
		retry.WithMaxRetries(retries),
		retry.WithMaxElapsed(0),
		retry.WithInitialDelay(time.Millisecond),
		retry.WithMaxDelay(time.Millisecond),
		retry.WithJitter(0),
	)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.New(rand.NewSource(int64(n))).Read(data)
	require.NoError(t, err)
	return data
}

func unavailable() error {
	return &storage.ServiceError{Code: http.StatusServiceUnavailable, Message: "backend unavailable"}
}

func newStore() *memstore.Store {
	return memstore.New(log.NewLogger())
}

func TestReader_ReadsWholeObject(t *testing.T) {
	chunkSizes := []int{1, 7, 1024}
	for _, chunkSize := range chunkSizes {
		sizes := []int{0, 1, chunkSize - 1, chunkSize, chunkSize + 1, 3 * chunkSize, 3*chunkSize + 7}
		for _, size := range sizes {
			t.Run(fmt.Sprintf("chunk %d size %d", chunkSize, size), func(t *testing.T) {
				store := newStore()
				content := randomBytes(t, size)
				store.Put(testBlob, content)

				r, err := storage.OpenReader(context.Background(), store, testBlob, storage.WithChunkSize(chunkSize), storage.WithRetry(fastRetry(3)))
				require.NoError(t, err)

				got, err := io.ReadAll(r)
				require.NoError(t, err)
				assert.Equal(t, len(content), len(got))
				assert.True(t, bytes.Equal(content, got))
				assert.Equal(t, int64(size), r.Capture().Cursor)
			})
		}
	}
}

func TestReader_EmptyObjectReturnsEOFOnFirstRead(t *testing.T) {
	store := newStore()
	store.Put(testBlob, nil)

	r, err := storage.OpenReader(context.Background(), store, testBlob)
	require.NoError(t, err)

	n, err := r.Read(make([]byte, 16))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 1, store.Calls(memstore.OpRead))
}

func TestReader_ResumesFromCapturedState(t *testing.T) {
	store := newStore()
	content := randomBytes(t, 10_000)
	store.Put(testBlob, content)

	r, err := storage.OpenReader(context.Background(), store, testBlob, storage.WithChunkSize(1024))
	require.NoError(t, err)

	first := make([]byte, 3333)
	_, err = io.ReadFull(r, first)
	require.NoError(t, err)

	encoded, err := r.Capture().MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, r.Close())

	var state storage.ReadState
	require.NoError(t, state.UnmarshalBinary(encoded))
	assert.Equal(t, int64(3333), state.Cursor)
	assert.Equal(t, 1024, state.ChunkSize)

	restored, err := storage.RestoreReader(context.Background(), store, state)
	require.NoError(t, err)

	rest, err := io.ReadAll(restored)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, append(first, rest...)))
}

func TestReader_RestorePastEndReturnsEOF(t *testing.T) {
	store := newStore()
	store.Put(testBlob, []byte("short"))

	r, err := storage.RestoreReader(context.Background(), store, storage.ReadState{Blob: testBlob, Cursor: 100, ChunkSize: 16, Open: true})
	require.NoError(t, err)

	n, err := r.Read(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestReader_RetriesTransientFailures(t *testing.T) {
	store := newStore()
	content := randomBytes(t, 4096)
	store.Put(testBlob, content)
	store.FailNext(memstore.OpRead, unavailable(), 2)

	r, err := storage.OpenReader(context.Background(), store, testBlob, storage.WithChunkSize(1024), storage.WithRetry(fastRetry(3)))
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.Equal(t, int64(2), r.Stats().Retries())
	assert.Equal(t, int64(5), r.Stats().Chunks())
}

func TestReader_Failures(t *testing.T) {
	tests := []struct {
		name      string
		fault     error
		times     int
		assertErr func(t *testing.T, err error)
	}{
		{
			name:  "not found is fatal",
			fault: &storage.ServiceError{Code: http.StatusNotFound, Reason: "notFound"},
			times: 1,
			assertErr: func(t *testing.T, err error) {
				assert.True(t, storage.IsNotFound(err))
				assert.False(t, errors.Is(err, retry.ErrExhausted))
			},
		},
		{
			name:  "permission denied is fatal",
			fault: &storage.ServiceError{Code: http.StatusForbidden, Reason: "forbidden"},
			times: 1,
			assertErr: func(t *testing.T, err error) {
				assert.True(t, storage.IsPermissionDenied(err))
			},
		},
		{
			name:  "persistent unavailability exhausts retries",
			fault: unavailable(),
			times: 10,
			assertErr: func(t *testing.T, err error) {
				assert.True(t, errors.Is(err, retry.ErrExhausted))
				var serviceErr *storage.ServiceError
				require.True(t, errors.As(err, &serviceErr))
				assert.Equal(t, http.StatusServiceUnavailable, serviceErr.Code)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore()
			store.Put(testBlob, []byte("content"))
			store.FailNext(memstore.OpRead, tt.fault, tt.times)

			r, err := storage.OpenReader(context.Background(), store, testBlob, storage.WithRetry(fastRetry(2)))
			require.NoError(t, err)

			_, err = r.Read(make([]byte, 4))
			require.Error(t, err)
			tt.assertErr(t, err)
			assert.Equal(t, int64(0), r.Capture().Cursor)
		})
	}
}

func TestReader_ObjectChangedWhileReading(t *testing.T) {
	store := newStore()
	store.Put(testBlob, randomBytes(t, 64))

	r, err := storage.OpenReader(context.Background(), store, testBlob, storage.WithChunkSize(16))
	require.NoError(t, err)

	_, err = io.ReadFull(r, make([]byte, 16))
	require.NoError(t, err)

	store.Put(testBlob, randomBytes(t, 65))

	_, err = r.Read(make([]byte, 16))
	assert.True(t, errors.Is(err, storage.ErrObjectChanged))
}

func TestReader_GenerationPrecondition(t *testing.T) {
	store := newStore()
	obj := store.Put(testBlob, []byte("content"))

	r, err := storage.OpenReader(context.Background(), store, testBlob, storage.WithOptions(storage.GenerationMatch(obj.Generation+1)))
	require.NoError(t, err)
	_, err = r.Read(make([]byte, 4))
	assert.True(t, storage.IsPreconditionFailed(err))

	r, err = storage.OpenReader(context.Background(), store, testBlob, storage.WithOptions(storage.GenerationMatch(obj.Generation)))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))
}

func TestReader_RejectsWriteOnlyOptions(t *testing.T) {
	_, err := storage.OpenReader(context.Background(), newStore(), testBlob, storage.WithOptions(storage.ContentType("text/plain")))
	assert.True(t, errors.Is(err, storage.ErrInvalidOption))
}

func TestReader_Seek(t *testing.T) {
	store := newStore()
	store.Put(testBlob, []byte("0123456789"))

	r, err := storage.OpenReader(context.Background(), store, testBlob, storage.WithChunkSize(4))
	require.NoError(t, err)

	pos, err := r.Seek(6, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)
	assert.Equal(t, 0, store.Calls(memstore.OpRead))

	buf := make([]byte, 2)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "67", string(buf))

	pos, err = r.Seek(-5, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "3456789", string(rest))

	_, err = r.Seek(0, io.SeekEnd)
	assert.True(t, errors.Is(err, storage.ErrUnsupported))

	_, err = r.Seek(-1, io.SeekStart)
	assert.True(t, errors.Is(err, storage.ErrInvalidOffset))
}

func TestReader_Close(t *testing.T) {
	store := newStore()
	store.Put(testBlob, []byte("content"))

	r, err := storage.OpenReader(context.Background(), store, testBlob)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = r.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, storage.ErrClosed))
	_, err = r.Seek(0, io.SeekStart)
	assert.True(t, errors.Is(err, storage.ErrClosed))

	state := r.Capture()
	assert.False(t, state.Open)

	restored, err := storage.RestoreReader(context.Background(), store, state)
	require.NoError(t, err)
	_, err = restored.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, storage.ErrClosed))
}

func TestReader_InterruptedWhileWaitingForRetry(t *testing.T) {
	store := newStore()
	store.Put(testBlob, []byte("content"))
	store.FailNext(memstore.OpRead, unavailable(), 1)

	slow := retry.MustParams(retry.WithInitialDelay(time.Hour), retry.WithMaxDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := storage.OpenReader(ctx, store, testBlob, storage.WithRetry(slow))
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = r.Read(make([]byte, 4))
	assert.True(t, errors.Is(err, retry.ErrInterrupted))
	assert.Equal(t, int64(0), r.Capture().Cursor)
}

// closingStore closes the reader while its chunk is in flight.
type closingStore struct {
	*memstore.Store
	r *storage.Reader
}

func (s *closingStore) ReadChunk(ctx context.Context, blob storage.BlobID, offset int64, size int, opts storage.Options) (storage.Chunk, error) {
	_ = s.r.Close()
	return s.Store.ReadChunk(ctx, blob, offset, size, opts)
}

func TestReader_CloseDuringRead(t *testing.T) {
	store := &closingStore{Store: newStore()}
	store.Put(testBlob, []byte("content"))

	var chunks int
	r, err := storage.OpenReader(context.Background(), store, testBlob, storage.WithOnChunk(func(int64) { chunks++ }))
	require.NoError(t, err)
	store.r = r

	_, err = r.Read(make([]byte, 4))
	assert.True(t, errors.Is(err, storage.ErrClosed))
	assert.Equal(t, 0, chunks)
	assert.Equal(t, int64(0), r.Stats().Chunks())

	state := r.Capture()
	assert.False(t, state.Open)
	assert.Equal(t, int64(0), state.Cursor)
}

func TestReader_Size(t *testing.T) {
	store := newStore()
	store.Put(testBlob, randomBytes(t, 1234))
	store.FailNext(memstore.OpStat, unavailable(), 1)

	r, err := storage.OpenReader(context.Background(), store, testBlob, storage.WithRetry(fastRetry(1)))
	require.NoError(t, err)

	size, err := r.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1234), size)
}

func TestReader_InvalidArguments(t *testing.T) {
	_, err := storage.OpenReader(context.Background(), newStore(), storage.BlobID{Bucket: "bucket"})
	assert.True(t, errors.Is(err, storage.ErrInvalidArgument))

	_, err = storage.OpenReader(context.Background(), newStore(), testBlob, storage.WithChunkSize(0))
	assert.True(t, errors.Is(err, storage.ErrInvalidArgument))

	_, err = storage.OpenReader(context.Background(), nil, testBlob)
	assert.True(t, errors.Is(err, storage.ErrInvalidArgument))
}
