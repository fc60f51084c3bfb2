// Package memstore is an in-memory object service implementing storage.RPC.
//
// It keeps objects with generations, resumable upload sessions and option
// preconditions, and can inject faults into any operation. It backs the
// channel tests, the CLI's mem backend and the servers of the httprpc and
// bytestream packages.
package memstore

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/bitrise-io/go-resumable/storage"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gofrs/uuid"
)

// Op names an RPC for fault injection.
type Op string

// Operations of the store.
const (
	OpRead  Op = "read"
	OpStart Op = "start"
	OpWrite Op = "write"
	OpStat  Op = "stat"
)

// Object is a snapshot of a stored object.
type Object struct {
	Data               []byte
	Generation         int64
	Metageneration     int64
	ContentType        string
	ContentEncoding    string
	CacheControl       string
	ContentDisposition string
	ContentLanguage    string
	ACL                string
	Metadata           map[string]string
}

type session struct {
	blob      storage.BlobID
	opts      storage.Options
	data      []byte
	expired   bool
	committed bool
}

type fault struct {
	err   error
	times int
}

// Store is safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	objects    map[storage.BlobID]*Object
	sessions   map[string]*session
	faults     map[Op][]*fault
	calls      map[Op]int
	skew       int64
	maxAccept  int
	generation int64
	logger     log.Logger
}

// New ...
func New(logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Store{
		objects:  map[storage.BlobID]*Object{},
		sessions: map[string]*session{},
		faults:   map[Op][]*fault{},
		calls:    map[Op]int{},
		logger:   logger,
	}
}

// Put stores data as a new generation of blob, bypassing sessions and faults.
func (s *Store) Put(blob storage.BlobID, data []byte) Object {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj := s.commitLocked(blob, storage.Options{}, data)
	return snapshot(obj)
}

// Object returns the stored object.
func (s *Store) Object(bucket, name string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[storage.BlobID{Bucket: bucket, Name: name}]
	if !ok {
		return Object{}, false
	}
	return snapshot(obj), true
}

// Delete removes an object. Open sessions for it are not affected.
func (s *Store) Delete(blob storage.BlobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, blob)
}

// FailNext makes the next times calls of op fail with err before they touch any state.
func (s *Store) FailNext(op Op, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], &fault{err: err, times: times})
}

// SkewAck makes the next WriteChunk report n more persisted bytes than it has.
func (s *Store) SkewAck(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skew = n
}

// LimitAccept makes every WriteChunk persist at most n bytes of its data, 0 removes the limit.
func (s *Store) LimitAccept(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxAccept = n
}

// ExpireSession makes every later call on the session fail with 410 Gone.
func (s *Store) ExpireSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.expired = true
	}
}

// Calls returns how many times op was called, failed calls included.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// SessionInfo describes an upload session.
type SessionInfo struct {
	Blob      storage.BlobID
	Persisted int64
	Committed bool
}

// Session returns the state of an upload session.
func (s *Store) Session(sessionID string) (SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.sessionLocked(sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	return SessionInfo{Blob: sess.blob, Persisted: int64(len(sess.data)), Committed: sess.committed}, nil
}

// ReadChunk implements storage.RPC. Reading at or past the end returns an empty chunk.
func (s *Store) ReadChunk(ctx context.Context, blob storage.BlobID, offset int64, length int, opts storage.Options) (storage.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, OpRead); err != nil {
		return storage.Chunk{}, err
	}
	if offset < 0 || length < 0 {
		return storage.Chunk{}, serviceError(http.StatusBadRequest, "invalid", "negative range")
	}

	obj, ok := s.objects[blob]
	if !ok {
		return storage.Chunk{}, notFound(blob)
	}
	if err := checkPreconditions(obj, opts); err != nil {
		return storage.Chunk{}, err
	}

	size := int64(len(obj.Data))
	if offset >= size {
		return storage.Chunk{Generation: obj.Generation}, nil
	}
	end := offset + int64(length)
	if end > size {
		end = size
	}
	data := make([]byte, end-offset)
	copy(data, obj.Data[offset:end])
	return storage.Chunk{Data: data, Generation: obj.Generation}, nil
}

// StartResumableUpload implements storage.RPC. Preconditions are checked here and again at commit.
func (s *Store) StartResumableUpload(ctx context.Context, blob storage.BlobID, opts storage.Options) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, OpStart); err != nil {
		return "", err
	}
	if err := blob.Validate(); err != nil {
		return "", serviceError(http.StatusBadRequest, "invalid", err.Error())
	}
	if err := checkPreconditions(s.objects[blob], opts); err != nil {
		return "", err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	s.sessions[id.String()] = &session{blob: blob, opts: opts}
	s.logger.Debugf("Started session %s for %s", id, blob)
	return id.String(), nil
}

// WriteChunk implements storage.RPC. Bytes the session already holds are not
// overwritten, so resending a range is harmless.
func (s *Store) WriteChunk(ctx context.Context, sessionID string, offset int64, data []byte, final bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, OpWrite); err != nil {
		return 0, err
	}
	sess, err := s.sessionLocked(sessionID)
	if err != nil {
		return 0, err
	}

	persisted := int64(len(sess.data))
	end := offset + int64(len(data))

	if sess.committed {
		if final && end == persisted {
			return persisted, nil
		}
		return 0, serviceError(http.StatusBadRequest, "invalid", "upload session already finalized")
	}

	if offset > persisted {
		// Gap: report what is persisted and let the client reconcile.
		return s.ack(persisted), nil
	}
	if offset < 0 {
		return 0, serviceError(http.StatusBadRequest, "invalid", "negative offset")
	}

	if end > persisted {
		fresh := data[persisted-offset:]
		if s.maxAccept > 0 && len(fresh) > s.maxAccept {
			fresh = fresh[:s.maxAccept]
		}
		sess.data = append(sess.data, fresh...)
		persisted = int64(len(sess.data))
	}

	if final && persisted == end {
		if err := checkPreconditions(s.objects[sess.blob], sess.opts); err != nil {
			return 0, err
		}
		s.commitLocked(sess.blob, sess.opts, sess.data)
		sess.committed = true
		s.logger.Debugf("Committed session %s: %s, %d bytes", sessionID, sess.blob, persisted)
	} else if final && persisted > end {
		return 0, serviceError(http.StatusBadRequest, "invalid", fmt.Sprintf("declared size %d is less than the %d persisted bytes", end, persisted))
	}

	return s.ack(persisted), nil
}

// Stat implements storage.RPC.
func (s *Store) Stat(ctx context.Context, blob storage.BlobID) (storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, OpStat); err != nil {
		return storage.ObjectInfo{}, err
	}
	obj, ok := s.objects[blob]
	if !ok {
		return storage.ObjectInfo{}, notFound(blob)
	}
	return storage.ObjectInfo{
		Blob:           blob,
		Size:           int64(len(obj.Data)),
		Generation:     obj.Generation,
		Metageneration: obj.Metageneration,
		ContentType:    obj.ContentType,
	}, nil
}

// enter counts the call and pops an injected fault.
func (s *Store) enter(ctx context.Context, op Op) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}

	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	f := queue[0]
	f.times--
	if f.times <= 0 {
		s.faults[op] = queue[1:]
	}
	s.logger.Debugf("Injected %s failure: %s", op, f.err)
	return f.err
}

func (s *Store) ack(persisted int64) int64 {
	acked := persisted + s.skew
	s.skew = 0
	return acked
}

func (s *Store) sessionLocked(sessionID string) (*session, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, serviceError(http.StatusNotFound, "notFound", fmt.Sprintf("upload session %s not found", sessionID))
	}
	if sess.expired {
		return nil, serviceError(http.StatusGone, "gone", fmt.Sprintf("upload session %s expired", sessionID))
	}
	return sess, nil
}

func (s *Store) commitLocked(blob storage.BlobID, opts storage.Options, data []byte) *Object {
	s.generation++
	obj := &Object{
		Data:               append([]byte{}, data...),
		Generation:         s.generation,
		Metageneration:     1,
		ContentType:        opts.Text(storage.KindContentType),
		ContentEncoding:    opts.Text(storage.KindContentEncoding),
		CacheControl:       opts.Text(storage.KindCacheControl),
		ContentDisposition: opts.Text(storage.KindContentDisposition),
		ContentLanguage:    opts.Text(storage.KindContentLanguage),
		ACL:                opts.Text(storage.KindPredefinedACL),
		Metadata:           opts.Metadata(),
	}
	s.objects[blob] = obj
	return obj
}

func checkPreconditions(obj *Object, opts storage.Options) error {
	if g, ok := opts.Number(storage.KindGenerationMatch); ok {
		if (obj == nil && g != 0) || (obj != nil && obj.Generation != g) {
			return preconditionFailed(storage.KindGenerationMatch)
		}
	}
	if g, ok := opts.Number(storage.KindGenerationNotMatch); ok && obj != nil && obj.Generation == g {
		return preconditionFailed(storage.KindGenerationNotMatch)
	}
	if m, ok := opts.Number(storage.KindMetagenerationMatch); ok {
		if obj == nil || obj.Metageneration != m {
			return preconditionFailed(storage.KindMetagenerationMatch)
		}
	}
	if m, ok := opts.Number(storage.KindMetagenerationNotMatch); ok && obj != nil && obj.Metageneration == m {
		return preconditionFailed(storage.KindMetagenerationNotMatch)
	}
	return nil
}

func snapshot(obj *Object) Object {
	cp := *obj
	cp.Data = append([]byte{}, obj.Data...)
	if obj.Metadata != nil {
		cp.Metadata = make(map[string]string, len(obj.Metadata))
		for k, v := range obj.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

func serviceError(code int, reason, message string) error {
	return &storage.ServiceError{Code: code, Reason: reason, Message: message}
}

func notFound(blob storage.BlobID) error {
	return serviceError(http.StatusNotFound, "notFound", fmt.Sprintf("no such object: %s", blob))
}

func preconditionFailed(kind storage.OptionKind) error {
	return serviceError(http.StatusPreconditionFailed, "conditionNotMet", fmt.Sprintf("precondition %s failed", kind))
}
