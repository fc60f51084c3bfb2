package storage

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-resumable/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Reader is a resumable, chunked download channel. It fetches one chunk at a
// time and serves Read calls from the in-memory buffer.
//
// Read and Seek are serialized. Capture, Close and Stats may be called from
// any goroutine at any time, also while a chunk is being fetched.
type Reader struct {
	ctx       context.Context
	rpc       RPC
	blob      BlobID
	opts      Options
	chunkSize int
	exec      *retry.Executor
	logger    log.Logger
	onChunk   func(int64)
	stats     *Stats

	ioMu sync.Mutex

	mu         sync.Mutex
	cursor     int64
	buf        []byte
	lastChunk  bool
	generation int64
	closed     bool
}

// OpenReader opens a channel reading blob from its first byte. No RPC is made until the first Read.
// ctx governs every RPC of the channel: cancelling it is how a blocked Read is
// interrupted, Close does not abort an RPC in flight.
func OpenReader(ctx context.Context, rpc RPC, blob BlobID, opts ...ChannelOption) (*Reader, error) {
	if err := blob.Validate(); err != nil {
		return nil, err
	}
	cfg, err := newChannelConfig(opts)
	if err != nil {
		return nil, err
	}
	objOpts, err := NewOptions(cfg.options...)
	if err != nil {
		return nil, err
	}
	return newReader(ctx, rpc, blob, objOpts, cfg, 0, true)
}

// RestoreReader recreates a Reader from a captured state. The chunk size of
// the state is kept unless WithChunkSize overrides it.
func RestoreReader(ctx context.Context, rpc RPC, state ReadState, opts ...ChannelOption) (*Reader, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}
	cfg, err := newChannelConfig(append([]ChannelOption{WithChunkSize(state.ChunkSize)}, opts...))
	if err != nil {
		return nil, err
	}
	return newReader(ctx, rpc, state.Blob, state.Options, cfg, state.Cursor, state.Open)
}

func newReader(ctx context.Context, rpc RPC, blob BlobID, objOpts Options, cfg channelConfig, cursor int64, open bool) (*Reader, error) {
	if rpc == nil {
		return nil, fmt.Errorf("%w: rpc must not be nil", ErrInvalidArgument)
	}
	if err := objOpts.Restrict(ReadOptionKinds...); err != nil {
		return nil, err
	}

	stats := newStats()
	exec, err := cfg.executor(stats)
	if err != nil {
		return nil, err
	}

	return &Reader{
		ctx:       ctx,
		rpc:       rpc,
		blob:      blob,
		opts:      objOpts,
		chunkSize: cfg.ChunkSize,
		exec:      exec,
		logger:    cfg.Logger,
		onChunk:   cfg.OnChunk,
		stats:     stats,
		cursor:    cursor,
		closed:    !open,
	}, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	r.ioMu.Lock()
	defer r.ioMu.Unlock()

	r.mu.Lock()
	closed, buffered, lastChunk, cursor := r.closed, len(r.buf), r.lastChunk, r.cursor
	r.mu.Unlock()

	if closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	if buffered == 0 {
		if lastChunk {
			return 0, io.EOF
		}
		if err := r.fetch(cursor); err != nil {
			return 0, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}
	if len(r.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	r.cursor += int64(n)
	return n, nil
}

func (r *Reader) fetch(offset int64) error {
	start := time.Now()
	chunk, err := retry.Call(r.ctx, r.exec, func(ctx context.Context) (Chunk, error) {
		return r.rpc.ReadChunk(ctx, r.blob, offset, r.chunkSize, r.opts)
	})
	if err != nil {
		return fmt.Errorf("read %s at offset %d: %w", r.blob, offset, err)
	}

	data := chunk.Data
	if len(data) > r.chunkSize {
		data = data[:r.chunkSize]
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if chunk.Generation != 0 {
		if r.generation != 0 && chunk.Generation != r.generation {
			expected := r.generation
			r.mu.Unlock()
			return fmt.Errorf("%w: %s generation is %d, started reading generation %d", ErrObjectChanged, r.blob, chunk.Generation, expected)
		}
		r.generation = chunk.Generation
	}
	r.buf = data
	r.lastChunk = len(data) < r.chunkSize
	r.mu.Unlock()

	r.stats.update(time.Since(start), len(data))
	r.logger.Debugf("Read %d bytes of %s at offset %d", len(data), r.blob, offset)
	if r.onChunk != nil {
		r.onChunk(offset + int64(len(data)))
	}
	return nil
}

// Seek implements io.Seeker for io.SeekStart and io.SeekCurrent. It never
// makes an RPC; the next Read fetches from the new position.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.ioMu.Lock()
	defer r.ioMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = r.cursor + offset
	case io.SeekEnd:
		return 0, fmt.Errorf("%w: seeking relative to the end of the object", ErrUnsupported)
	default:
		return 0, fmt.Errorf("%w: unknown whence %d", ErrInvalidArgument, whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidOffset, pos)
	}

	r.cursor = pos
	r.buf = nil
	r.lastChunk = false
	return pos, nil
}

// Capture returns the current position of the channel. It never blocks on an RPC.
func (r *Reader) Capture() ReadState {
	r.mu.Lock()
	defer r.mu.Unlock()

	return ReadState{
		Blob:      r.blob,
		Cursor:    r.cursor,
		ChunkSize: r.chunkSize,
		Open:      !r.closed,
		Options:   r.opts,
	}
}

// Close releases the buffer. It makes no RPC and is idempotent.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.buf = nil
	return nil
}

// Size returns the current size of the object.
func (r *Reader) Size(ctx context.Context) (int64, error) {
	info, err := retry.Call(ctx, r.exec, func(ctx context.Context) (ObjectInfo, error) {
		return r.rpc.Stat(ctx, r.blob)
	})
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", r.blob, err)
	}
	return info.Size, nil
}

// Stats ...
func (r *Reader) Stats() *Stats {
	return r.stats
}

// ChunkSize ...
func (r *Reader) ChunkSize() int {
	return r.chunkSize
}
