package bytestream

import (
	"context"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/bitrise-io/go-resumable/storage"
	"github.com/bitrise-io/go-resumable/storage/memstore"
	"github.com/bitrise-io/go-utils/v2/log"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Server serves the ByteStream API from a memstore.Store.
type Server struct {
	bytestream.UnimplementedByteStreamServer

	store  *memstore.Store
	logger log.Logger
	token  string

	mu      sync.Mutex
	uploads map[string]string
}

// ServerOption ...
type ServerOption func(*Server)

// WithToken makes the server require "authorization: bearer <token>" on every call.
func WithToken(token string) ServerOption {
	return func(s *Server) {
		s.token = token
	}
}

// NewServer ...
func NewServer(store *memstore.Store, logger log.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = log.NewLogger()
	}
	s := &Server{
		store:   store,
		logger:  logger,
		uploads: map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds the server to srv.
func (s *Server) Register(srv *grpc.Server) {
	bytestream.RegisterByteStreamServer(srv, s)
}

func (s *Server) authorize(ctx context.Context) error {
	if s.token == "" {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	for _, value := range md.Get(authorizationKey) {
		scheme, token, ok := strings.Cut(value, " ")
		if ok && strings.EqualFold(scheme, "bearer") && token == s.token {
			return nil
		}
	}
	return status.Error(codes.Unauthenticated, "missing or invalid bearer token")
}

// Read streams a range of an object. The object generation is sent in the header.
func (s *Server) Read(req *bytestream.ReadRequest, stream bytestream.ByteStream_ReadServer) error {
	ctx := stream.Context()
	if err := s.authorize(ctx); err != nil {
		return err
	}
	blob, err := parseObjectResource(req.ResourceName)
	if err != nil {
		return err
	}
	if req.ReadOffset < 0 || req.ReadLimit < 0 {
		return status.Error(codes.InvalidArgument, "negative read offset or limit")
	}

	md, _ := metadata.FromIncomingContext(ctx)
	opts, err := optionsFromMetadata(md)
	if err != nil {
		return err
	}

	limit := req.ReadLimit
	if limit == 0 || limit > math.MaxInt32 {
		limit = math.MaxInt32
	}
	chunk, err := s.store.ReadChunk(ctx, blob, req.ReadOffset, int(limit), opts)
	if err != nil {
		return toStatus(err)
	}
	if err := stream.SetHeader(metadata.Pairs(generationKey, strconv.FormatInt(chunk.Generation, 10))); err != nil {
		return err
	}

	s.logger.Debugf("Read %s: offset=%d, bytes=%d", req.ResourceName, req.ReadOffset, len(chunk.Data))
	for data := chunk.Data; len(data) > 0; {
		n := len(data)
		if n > maxMessageSize {
			n = maxMessageSize
		}
		if err := stream.Send(&bytestream.ReadResponse{Data: data[:n]}); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Write appends the received messages to an upload session.
func (s *Server) Write(stream bytestream.ByteStream_WriteServer) error {
	ctx := stream.Context()
	if err := s.authorize(ctx); err != nil {
		return err
	}

	var resourceName, sessionID string
	var committed int64
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		if resourceName == "" {
			uploadID, _, err := parseUploadResource(req.ResourceName)
			if err != nil {
				return err
			}
			if sessionID, err = s.session(uploadID); err != nil {
				return err
			}
			resourceName = req.ResourceName
		} else if req.ResourceName != "" && req.ResourceName != resourceName {
			return status.Errorf(codes.InvalidArgument, "resource name changed within a write: %q", req.ResourceName)
		}

		if committed, err = s.store.WriteChunk(ctx, sessionID, req.WriteOffset, req.Data, req.FinishWrite); err != nil {
			return toStatus(err)
		}
		s.logger.Debugf("Write %s: offset=%d, bytes=%d, finish=%v, committed=%d", resourceName, req.WriteOffset, len(req.Data), req.FinishWrite, committed)
	}

	if resourceName == "" {
		return status.Error(codes.InvalidArgument, "empty write")
	}
	return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: committed})
}

// QueryWriteStatus reports the committed size of an upload session, or the
// size and generation of an object. With the x-start-upload header it
// registers a new upload session.
func (s *Server) QueryWriteStatus(ctx context.Context, req *bytestream.QueryWriteStatusRequest) (*bytestream.QueryWriteStatusResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}

	if !strings.HasPrefix(req.ResourceName, uploadsPrefix) {
		blob, err := parseObjectResource(req.ResourceName)
		if err != nil {
			return nil, err
		}
		info, err := s.store.Stat(ctx, blob)
		if err != nil {
			return nil, toStatus(err)
		}
		header := metadata.Pairs(
			generationKey, strconv.FormatInt(info.Generation, 10),
			metagenerationKey, strconv.FormatInt(info.Metageneration, 10),
			contentTypeKey, info.ContentType,
		)
		if err := grpc.SetHeader(ctx, header); err != nil {
			return nil, err
		}
		return &bytestream.QueryWriteStatusResponse{CommittedSize: info.Size, Complete: true}, nil
	}

	uploadID, blob, err := parseUploadResource(req.ResourceName)
	if err != nil {
		return nil, err
	}

	md, _ := metadata.FromIncomingContext(ctx)
	if len(md.Get(startUploadKey)) > 0 {
		opts, err := optionsFromMetadata(md)
		if err != nil {
			return nil, err
		}
		if err := s.start(ctx, uploadID, blob, opts); err != nil {
			return nil, err
		}
		return &bytestream.QueryWriteStatusResponse{}, nil
	}

	sessionID, err := s.session(uploadID)
	if err != nil {
		return nil, err
	}
	info, err := s.store.Session(sessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &bytestream.QueryWriteStatusResponse{CommittedSize: info.Persisted, Complete: info.Committed}, nil
}

func (s *Server) start(ctx context.Context, uploadID string, blob storage.BlobID, opts storage.Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.uploads[uploadID]; ok {
		return status.Errorf(codes.AlreadyExists, "upload %s already exists", uploadID)
	}
	sessionID, err := s.store.StartResumableUpload(ctx, blob, opts)
	if err != nil {
		return toStatus(err)
	}
	s.uploads[uploadID] = sessionID
	s.logger.Debugf("Registered upload %s for %s", uploadID, blob)
	return nil
}

func (s *Server) session(uploadID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, ok := s.uploads[uploadID]
	if !ok {
		return "", status.Errorf(codes.NotFound, "upload %s not found", uploadID)
	}
	return sessionID, nil
}

// SessionID returns the store session backing an upload resource.
func (s *Server) SessionID(resourceName string) (string, error) {
	uploadID, _, err := parseUploadResource(resourceName)
	if err != nil {
		return "", err
	}
	return s.session(uploadID)
}
