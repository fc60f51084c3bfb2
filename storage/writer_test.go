package storage_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bitrise-io/go-resumable/retry"
	"github.com/bitrise-io/go-resumable/storage"
	"github.com/bitrise-io/go-resumable/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

func storedData(t *testing.T, store *memstore.Store, blob storage.BlobID) []byte {
	t.Helper()
	obj, ok := store.Object(blob.Bucket, blob.Name)
	require.True(t, ok, "object %s was not committed", blob)
	return obj.Data
}

func TestWriter_ResumesFromCapturedState(t *testing.T) {
	store := newStore()
	content := randomBytes(t, 5*mib)

	w, err := storage.OpenWriter(context.Background(), store, testBlob, storage.WithChunkSize(mib))
	require.NoError(t, err)

	_, err = w.Write(content[:2*mib])
	require.NoError(t, err)

	state, err := w.Capture()
	require.NoError(t, err)
	assert.Equal(t, int64(2*mib), state.Cursor)
	assert.True(t, state.Open)

	encoded, err := state.MarshalBinary()
	require.NoError(t, err)

	var decoded storage.WriteState
	require.NoError(t, decoded.UnmarshalBinary(encoded))
	require.True(t, state.Equal(decoded))

	restored, err := storage.RestoreWriter(context.Background(), store, decoded)
	require.NoError(t, err)

	_, err = restored.Write(content[decoded.Cursor:])
	require.NoError(t, err)
	require.NoError(t, restored.Close())

	got := storedData(t, store, testBlob)
	assert.Equal(t, 5_242_880, len(got))
	assert.True(t, bytes.Equal(content, got))

	final, err := restored.Capture()
	require.NoError(t, err)
	assert.False(t, final.Open)
	assert.Equal(t, int64(5*mib), final.Cursor)
}

func TestWriter_CaptureBeforeStart(t *testing.T) {
	store := newStore()
	w, err := storage.OpenWriter(context.Background(), store, testBlob)
	require.NoError(t, err)

	_, err = w.Capture()
	assert.True(t, errors.Is(err, storage.ErrSessionNotStarted))

	_, err = w.Write([]byte("buffered only"))
	require.NoError(t, err)
	_, err = w.Capture()
	assert.True(t, errors.Is(err, storage.ErrSessionNotStarted))
	assert.Equal(t, 0, store.Calls(memstore.OpStart))

	require.NoError(t, w.Start())
	require.NoError(t, w.Start())
	assert.Equal(t, 1, store.Calls(memstore.OpStart))

	state, err := w.Capture()
	require.NoError(t, err)
	assert.NotEmpty(t, state.SessionID)
	assert.Equal(t, int64(0), state.Cursor)
}

func TestWriter_EmptyObject(t *testing.T) {
	store := newStore()
	w, err := storage.OpenWriter(context.Background(), store, testBlob)
	require.NoError(t, err)

	require.NoError(t, w.Close())

	obj, ok := store.Object(testBlob.Bucket, testBlob.Name)
	require.True(t, ok)
	assert.Empty(t, obj.Data)
}

func TestWriter_ObjectSizes(t *testing.T) {
	const chunkSize = 64
	for _, size := range []int{1, chunkSize - 1, chunkSize, chunkSize + 1, 5 * chunkSize, 5*chunkSize + 3} {
		store := newStore()
		content := randomBytes(t, size)

		w, err := storage.OpenWriter(context.Background(), store, testBlob, storage.WithChunkSize(chunkSize))
		require.NoError(t, err)

		// Odd sized writes cross chunk boundaries.
		for off := 0; off < size; off += 13 {
			end := off + 13
			if end > size {
				end = size
			}
			_, err := w.Write(content[off:end])
			require.NoError(t, err)
		}
		require.NoError(t, w.Close())

		assert.True(t, bytes.Equal(content, storedData(t, store, testBlob)), "size %d", size)
	}
}

func TestWriter_RetriesTransientFailures(t *testing.T) {
	store := newStore()
	content := randomBytes(t, 300)
	store.FailNext(memstore.OpStart, unavailable(), 1)
	store.FailNext(memstore.OpWrite, unavailable(), 2)

	w, err := storage.OpenWriter(context.Background(), store, testBlob, storage.WithChunkSize(100), storage.WithRetry(fastRetry(3)))
	require.NoError(t, err)

	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.True(t, bytes.Equal(content, storedData(t, store, testBlob)))
	assert.Equal(t, int64(3), w.Stats().Retries())
}

func TestWriter_FatalFailureAbortsWriter(t *testing.T) {
	store := newStore()
	store.FailNext(memstore.OpWrite, &storage.ServiceError{Code: http.StatusForbidden, Reason: "forbidden"}, 1)

	w, err := storage.OpenWriter(context.Background(), store, testBlob, storage.WithChunkSize(10), storage.WithRetry(fastRetry(3)))
	require.NoError(t, err)

	_, err = w.Write(make([]byte, 10))
	require.Error(t, err)
	assert.True(t, storage.IsPermissionDenied(err))
	assert.Equal(t, 1, store.Calls(memstore.OpWrite))

	_, err2 := w.Write([]byte("more"))
	assert.Equal(t, err, err2)
	assert.Equal(t, err, w.Close())
	assert.Equal(t, 1, store.Calls(memstore.OpWrite))

	state, err := w.Capture()
	require.NoError(t, err)
	assert.True(t, state.Open)
	assert.Equal(t, int64(0), state.Cursor)

	_, ok := store.Object(testBlob.Bucket, testBlob.Name)
	assert.False(t, ok)
}

func TestWriter_SkipsBytesTheServiceAlreadyHas(t *testing.T) {
	store := newStore()
	content := randomBytes(t, 1000)

	w, err := storage.OpenWriter(context.Background(), store, testBlob, storage.WithChunkSize(100))
	require.NoError(t, err)

	_, err = w.Write(content[:100])
	require.NoError(t, err)
	early, err := w.Capture()
	require.NoError(t, err)
	require.Equal(t, int64(100), early.Cursor)

	// The first process keeps uploading after the capture, then dies.
	_, err = w.Write(content[100:450])
	require.NoError(t, err)
	late, err := w.Capture()
	require.NoError(t, err)
	require.Equal(t, int64(400), late.Cursor)

	restored, err := storage.RestoreWriter(context.Background(), store, early)
	require.NoError(t, err)

	_, err = restored.Write(content[early.Cursor:])
	require.NoError(t, err)
	require.NoError(t, restored.Close())

	assert.True(t, bytes.Equal(content, storedData(t, store, testBlob)))
}

func TestWriter_PartialAcceptanceKeepsTailBuffered(t *testing.T) {
	store := newStore()
	store.LimitAccept(300)
	content := randomBytes(t, 4096+17)

	w, err := storage.OpenWriter(context.Background(), store, testBlob, storage.WithChunkSize(1024))
	require.NoError(t, err)

	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.True(t, bytes.Equal(content, storedData(t, store, testBlob)))
}

func TestWriter_NoProgressIsRetried(t *testing.T) {
	store := newStore()
	content := randomBytes(t, 200)

	w, err := storage.OpenWriter(context.Background(), store, testBlob, storage.WithChunkSize(100), storage.WithRetry(fastRetry(2)))
	require.NoError(t, err)

	store.SkewAck(-100)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.True(t, bytes.Equal(content, storedData(t, store, testBlob)))
	assert.Equal(t, int64(1), w.Stats().Retries())
}

func TestWriter_AckBelowCursorIsFatal(t *testing.T) {
	store := newStore()

	w, err := storage.OpenWriter(context.Background(), store, testBlob, storage.WithChunkSize(100), storage.WithRetry(fastRetry(3)))
	require.NoError(t, err)

	_, err = w.Write(make([]byte, 100))
	require.NoError(t, err)

	store.SkewAck(-101)
	_, err = w.Write(make([]byte, 100))
	assert.True(t, errors.Is(err, storage.ErrOffsetMismatch))
	assert.Equal(t, 2, store.Calls(memstore.OpWrite))

	state, err := w.Capture()
	require.NoError(t, err)
	assert.Equal(t, int64(100), state.Cursor)
}

func TestWriter_ExpiredSessionIsFatal(t *testing.T) {
	store := newStore()

	w, err := storage.OpenWriter(context.Background(), store, testBlob, storage.WithChunkSize(100), storage.WithRetry(fastRetry(3)))
	require.NoError(t, err)

	_, err = w.Write(make([]byte, 100))
	require.NoError(t, err)
	state, err := w.Capture()
	require.NoError(t, err)

	store.ExpireSession(state.SessionID)

	restored, err := storage.RestoreWriter(context.Background(), store, state, storage.WithRetry(fastRetry(3)))
	require.NoError(t, err)

	_, err = restored.Write(make([]byte, 100))
	assert.True(t, storage.IsNotFound(err))
	assert.Equal(t, err, restored.Close())

	_, ok := store.Object(testBlob.Bucket, testBlob.Name)
	assert.False(t, ok)
}

func TestWriter_Close(t *testing.T) {
	store := newStore()
	w, err := storage.OpenWriter(context.Background(), store, testBlob)
	require.NoError(t, err)

	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("again"))
	assert.True(t, errors.Is(err, storage.ErrClosed))

	state, err := w.Capture()
	require.NoError(t, err)
	assert.False(t, state.Open)

	restored, err := storage.RestoreWriter(context.Background(), store, state)
	require.NoError(t, err)
	_, err = restored.Write([]byte("x"))
	assert.True(t, errors.Is(err, storage.ErrClosed))
	require.NoError(t, restored.Close())

	assert.Equal(t, "hello", string(storedData(t, store, testBlob)))
}

func TestWriter_AppliesObjectOptions(t *testing.T) {
	store := newStore()
	w, err := storage.OpenWriter(context.Background(), store, testBlob, storage.WithOptions(
		storage.ContentType("text/plain"),
		storage.ContentEncoding("zstd"),
		storage.UserMetadata(map[string]string{"owner": "ci"}),
		storage.PredefinedACL(storage.ACLPrivate),
	))
	require.NoError(t, err)

	_, err = w.Write([]byte("text"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	obj, ok := store.Object(testBlob.Bucket, testBlob.Name)
	require.True(t, ok)
	assert.Equal(t, "text/plain", obj.ContentType)
	assert.Equal(t, "zstd", obj.ContentEncoding)
	assert.Equal(t, storage.ACLPrivate, obj.ACL)
	assert.Equal(t, map[string]string{"owner": "ci"}, obj.Metadata)

	state, err := w.Capture()
	require.NoError(t, err)
	assert.Equal(t, 4, state.Options.Len())
}

func TestWriter_DoesNotExistPrecondition(t *testing.T) {
	store := newStore()
	store.Put(testBlob, []byte("existing"))

	w, err := storage.OpenWriter(context.Background(), store, testBlob, storage.WithOptions(storage.DoesNotExist()), storage.WithRetry(fastRetry(3)))
	require.NoError(t, err)

	err = w.Start()
	assert.True(t, storage.IsPreconditionFailed(err))
	assert.Equal(t, 1, store.Calls(memstore.OpStart))

	_, err = w.Capture()
	assert.True(t, errors.Is(err, storage.ErrSessionNotStarted))
}

type granularStore struct {
	*memstore.Store
}

func (granularStore) ChunkGranularity() int { return 256 }

func TestWriter_RoundsChunkSizeToGranularity(t *testing.T) {
	store := granularStore{Store: newStore()}

	w, err := storage.OpenWriter(context.Background(), store, testBlob, storage.WithChunkSize(300))
	require.NoError(t, err)
	assert.Equal(t, 512, w.ChunkSize())

	w, err = storage.OpenWriter(context.Background(), store, testBlob, storage.WithChunkSize(512))
	require.NoError(t, err)
	assert.Equal(t, 512, w.ChunkSize())
}

func TestWriter_InterruptedWhileWaitingForRetry(t *testing.T) {
	store := newStore()
	store.FailNext(memstore.OpWrite, unavailable(), 1)

	slow := retry.MustParams(retry.WithInitialDelay(time.Hour), retry.WithMaxDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := storage.OpenWriter(ctx, store, testBlob, storage.WithChunkSize(10), storage.WithRetry(slow))
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = w.Write(make([]byte, 10))
	assert.True(t, errors.Is(err, retry.ErrInterrupted))
	assert.False(t, errors.Is(err, retry.ErrExhausted))
}

func TestWriter_OnChunkCallback(t *testing.T) {
	store := newStore()
	var cursors []int64

	w, err := storage.OpenWriter(context.Background(), store, testBlob, storage.WithChunkSize(10), storage.WithOnChunk(func(cursor int64) {
		cursors = append(cursors, cursor)
	}))
	require.NoError(t, err)

	_, err = w.Write(make([]byte, 25))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, []int64{10, 20, 25}, cursors)
}
