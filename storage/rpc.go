package storage

import "context"

// RPC is the transport a channel talks to. Implementations must be safe for
// concurrent use; a channel itself only ever has one call in flight.
//
// WriteChunk stores data at [offset, offset+len(data)) of the upload session
// and returns the number of bytes the service has persisted for the session.
// It must be idempotent for the same range, so a chunk can be re-sent after a
// lost response. A final call tells the service the total object size is
// offset+len(data); data may be empty in that case. Implementations must not
// retain data after returning.
type RPC interface {
	ReadChunk(ctx context.Context, blob BlobID, offset int64, length int, opts Options) (Chunk, error)
	StartResumableUpload(ctx context.Context, blob BlobID, opts Options) (string, error)
	WriteChunk(ctx context.Context, sessionID string, offset int64, data []byte, final bool) (int64, error)
	Stat(ctx context.Context, blob BlobID) (ObjectInfo, error)
}

// ChunkGranularity is implemented by transports accepting non-final chunks
// only in multiples of a fixed size.
type ChunkGranularity interface {
	ChunkGranularity() int
}

// roundChunkSize rounds size up to a multiple of the transport's granularity.
func roundChunkSize(rpc RPC, size int) int {
	g, ok := rpc.(ChunkGranularity)
	if !ok {
		return size
	}
	unit := g.ChunkGranularity()
	if unit <= 1 {
		return size
	}
	if rem := size % unit; rem != 0 {
		size += unit - rem
	}
	return size
}
