package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-resumable/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

type writerStatus int

const (
	writerOpen writerStatus = iota
	writerCommitted
	writerAborted
)

// Writer is a resumable, chunked upload channel. Written bytes are buffered
// and uploaded one chunk at a time into a resumable session; the cursor only
// moves when the service acknowledges bytes.
//
// Write, Start and Close are serialized. Capture and Stats may be called from
// any goroutine at any time.
type Writer struct {
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
	buf  []byte
	// skip counts upcoming input bytes the service already holds.
	skip int64

	mu        sync.Mutex
	sessionID string
	cursor    int64
	status    writerStatus
	err       error
}

// OpenWriter opens a channel creating blob. The upload session is started
// lazily by the first chunk, Start or Close. ctx governs every RPC of the channel:
// cancelling it is the way to interrupt a Write, Start or Close blocked on the
// service or on retry delays.
func OpenWriter(ctx context.Context, rpc RPC, blob BlobID, opts ...ChannelOption) (*Writer, error) {
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
	return newWriter(ctx, rpc, blob, objOpts, cfg, "", 0, writerOpen)
}

// RestoreWriter recreates a Writer from a captured state. The buffer starts
// empty: the caller must continue writing the object content from
// state.Cursor onward. A state captured after Close restores a closed Writer.
func RestoreWriter(ctx context.Context, rpc RPC, state WriteState, opts ...ChannelOption) (*Writer, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}
	cfg, err := newChannelConfig(append([]ChannelOption{WithChunkSize(state.ChunkSize)}, opts...))
	if err != nil {
		return nil, err
	}
	status := writerOpen
	if !state.Open {
		status = writerCommitted
	}
	return newWriter(ctx, rpc, state.Blob, state.Options, cfg, state.SessionID, state.Cursor, status)
}

func newWriter(ctx context.Context, rpc RPC, blob BlobID, objOpts Options, cfg channelConfig, sessionID string, cursor int64, status writerStatus) (*Writer, error) {
	if rpc == nil {
		return nil, fmt.Errorf("%w: rpc must not be nil", ErrInvalidArgument)
	}

	stats := newStats()
	exec, err := cfg.executor(stats)
	if err != nil {
		return nil, err
	}

	chunkSize := roundChunkSize(rpc, cfg.ChunkSize)
	if chunkSize != cfg.ChunkSize {
		cfg.Logger.Debugf("Chunk size rounded up from %d to %d", cfg.ChunkSize, chunkSize)
	}

	return &Writer{
		ctx:       ctx,
		rpc:       rpc,
		blob:      blob,
		opts:      objOpts,
		chunkSize: chunkSize,
		exec:      exec,
		logger:    cfg.Logger,
		onChunk:   cfg.OnChunk,
		stats:     stats,
		sessionID: sessionID,
		cursor:    cursor,
		status:    status,
	}, nil
}

// Write implements io.Writer. Every time a full chunk is buffered it is
// uploaded before Write returns. The returned count includes bytes that are
// only buffered; the durable position is the cursor reported by Capture.
// After a failed upload the Writer is aborted and every later call returns the same error.
func (w *Writer) Write(p []byte) (int, error) {
	w.ioMu.Lock()
	defer w.ioMu.Unlock()

	if err := w.writable(); err != nil {
		return 0, err
	}

	n := 0
	for len(p) > 0 {
		if w.skip > 0 {
			k := len(p)
			if int64(k) > w.skip {
				k = int(w.skip)
			}
			p = p[k:]
			w.skip -= int64(k)
			n += k
			continue
		}

		k := w.chunkSize - len(w.buf)
		if k > len(p) {
			k = len(p)
		}
		w.buf = append(w.buf, p[:k]...)
		p = p[k:]
		n += k

		if len(w.buf) >= w.chunkSize {
			if err := w.flush(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Start begins the upload session if it has not been started yet. A failed
// start leaves the Writer open, so Start can be called again.
func (w *Writer) Start() error {
	w.ioMu.Lock()
	defer w.ioMu.Unlock()

	if err := w.writable(); err != nil {
		return err
	}
	return w.ensureSession()
}

// Close uploads the buffered bytes as the final chunk, telling the service
// the total size of the object. Closing a committed Writer is a no-op.
// A failed Close aborts the Writer; the partially uploaded session is left as is.
func (w *Writer) Close() error {
	w.ioMu.Lock()
	defer w.ioMu.Unlock()

	w.mu.Lock()
	status, stickyErr := w.status, w.err
	w.mu.Unlock()

	switch status {
	case writerCommitted:
		return nil
	case writerAborted:
		return stickyErr
	}

	if err := w.ensureSession(); err != nil {
		return w.abort(err)
	}

	for {
		acked, err := w.send(w.buf, true)
		if err != nil {
			return w.abort(err)
		}
		w.consume(acked)
		if len(w.buf) == 0 {
			break
		}
	}

	w.mu.Lock()
	w.status = writerCommitted
	total := w.cursor
	w.mu.Unlock()

	w.buf = nil
	w.logger.Debugf("Committed %s, %d bytes", w.blob, total)
	return nil
}

// Capture returns the acknowledged position of the channel. It fails with
// ErrSessionNotStarted until the upload session exists.
func (w *Writer) Capture() (WriteState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sessionID == "" {
		return WriteState{}, ErrSessionNotStarted
	}
	return WriteState{
		Blob:      w.blob,
		SessionID: w.sessionID,
		Cursor:    w.cursor,
		ChunkSize: w.chunkSize,
		Open:      w.status != writerCommitted,
		Options:   w.opts,
	}, nil
}

// Stats ...
func (w *Writer) Stats() *Stats {
	return w.stats
}

// ChunkSize returns the chunk size after rounding to the transport's granularity.
func (w *Writer) ChunkSize() int {
	return w.chunkSize
}

func (w *Writer) writable() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.status {
	case writerCommitted:
		return ErrClosed
	case writerAborted:
		return w.err
	}
	return nil
}

func (w *Writer) abort(err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.status = writerAborted
	w.err = err
	w.logger.Warnf("Upload of %s aborted at offset %d: %s", w.blob, w.cursor, err)
	return err
}

func (w *Writer) ensureSession() error {
	w.mu.Lock()
	started := w.sessionID != ""
	w.mu.Unlock()
	if started {
		return nil
	}

	id, err := retry.Call(w.ctx, w.exec, func(ctx context.Context) (string, error) {
		return w.rpc.StartResumableUpload(ctx, w.blob, w.opts)
	})
	if err != nil {
		return fmt.Errorf("start upload of %s: %w", w.blob, err)
	}

	w.mu.Lock()
	w.sessionID = id
	w.mu.Unlock()

	w.logger.Debugf("Started upload session for %s", w.blob)
	return nil
}

func (w *Writer) flush() error {
	if err := w.ensureSession(); err != nil {
		return w.abort(err)
	}
	acked, err := w.send(w.buf[:w.chunkSize], false)
	if err != nil {
		return w.abort(err)
	}
	w.consume(acked)
	return nil
}

// send uploads data at the cursor and returns the acknowledged byte count.
func (w *Writer) send(data []byte, final bool) (int64, error) {
	w.mu.Lock()
	sessionID, cursor := w.sessionID, w.cursor
	w.mu.Unlock()

	start := time.Now()
	acked, err := retry.Call(w.ctx, w.exec, func(ctx context.Context) (int64, error) {
		acked, err := w.rpc.WriteChunk(ctx, sessionID, cursor, data, final)
		if err != nil {
			return 0, err
		}
		switch {
		case acked < cursor:
			return 0, fmt.Errorf("%w: service has %d bytes, %d were acknowledged before", ErrOffsetMismatch, acked, cursor)
		case acked == cursor && len(data) > 0:
			return 0, errNoProgress
		}
		return acked, nil
	})
	if err != nil {
		return 0, fmt.Errorf("write %s at offset %d: %w", w.blob, cursor, err)
	}

	w.stats.update(time.Since(start), int(acked-cursor))
	w.logger.Debugf("Service acknowledged %d bytes of %s (sent %d at offset %d)", acked, w.blob, len(data), cursor)
	return acked, nil
}

// consume moves the cursor to acked and drops the accepted bytes from the
// buffer. Accepted bytes beyond the buffer are skipped from upcoming input.
func (w *Writer) consume(acked int64) {
	w.mu.Lock()
	accepted := acked - w.cursor
	w.cursor = acked
	w.mu.Unlock()

	if accepted >= int64(len(w.buf)) {
		w.skip += accepted - int64(len(w.buf))
		w.buf = w.buf[:0]
	} else {
		w.buf = append(w.buf[:0], w.buf[accepted:]...)
	}

	if w.onChunk != nil {
		w.onChunk(acked)
	}
}
