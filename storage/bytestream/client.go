// Package bytestream implements storage.RPC over the gRPC ByteStream API and
// serves that API from a memstore.Store.
package bytestream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bitrise-io/go-resumable/storage"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gofrs/uuid"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// maxMessageSize bounds the data of a single Read or Write message.
const maxMessageSize = 1024 * 1024

// Client is a storage.RPC backed by a ByteStream service.
type Client struct {
	conn             *grpc.ClientConn
	bytestreamClient bytestream.ByteStreamClient
	token            string
	logger           log.Logger
}

var _ storage.RPC = (*Client)(nil)

// NewClientParams ...
type NewClientParams struct {
	UseInsecure bool
	Host        string
	DialTimeout time.Duration
	Token       string
	Logger      log.Logger
}

// NewClient dials the service at p.Host.
func NewClient(ctx context.Context, p NewClientParams) (*Client, error) {
	opts := make([]grpc.DialOption, 0)
	if p.UseInsecure {
		creds := insecure.NewCredentials()
		insecureOpt := grpc.WithTransportCredentials(creds)
		opts = append(opts, insecureOpt)
	}
	if p.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.DialTimeout)
		defer cancel()
	}
	conn, err := grpc.DialContext(ctx, p.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.Host, err)
	}

	c := NewClientFromConn(conn, p.Token, p.Logger)
	c.conn = conn
	return c, nil
}

// Close closes the connection dialed by NewClient.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// NewClientFromConn creates a Client over an existing connection.
func NewClientFromConn(conn grpc.ClientConnInterface, token string, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Client{
		bytestreamClient: bytestream.NewByteStreamClient(conn),
		token:            token,
		logger:           logger,
	}
}

func (c *Client) outgoing(ctx context.Context, pairs ...string) context.Context {
	if c.token != "" {
		pairs = append(pairs, authorizationKey, fmt.Sprintf("bearer %s", c.token))
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// ReadChunk implements storage.RPC. The generation arrives in the response header.
func (c *Client) ReadChunk(ctx context.Context, blob storage.BlobID, offset int64, length int, opts storage.Options) (storage.Chunk, error) {
	readReq := &bytestream.ReadRequest{
		ResourceName: objectResource(blob),
		ReadOffset:   offset,
		ReadLimit:    int64(length),
	}
	stream, err := c.bytestreamClient.Read(c.outgoing(ctx, optionsToMetadata(opts)...), readReq)
	if err != nil {
		return storage.Chunk{}, convertStatus(ctx, err)
	}

	data := make([]byte, 0, length)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			converted := convertStatus(ctx, err)
			var serviceErr *storage.ServiceError
			if errors.As(converted, &serviceErr) && serviceErr.Code == http.StatusRequestedRangeNotSatisfiable {
				return storage.Chunk{}, nil
			}
			return storage.Chunk{}, converted
		}
		data = append(data, resp.Data...)
	}

	header, err := stream.Header()
	if err != nil {
		return storage.Chunk{}, convertStatus(ctx, err)
	}
	return storage.Chunk{Data: data, Generation: headerInt(header, generationKey)}, nil
}

// Stat implements storage.RPC by querying the write status of the object resource.
func (c *Client) Stat(ctx context.Context, blob storage.BlobID) (storage.ObjectInfo, error) {
	var header metadata.MD
	resp, err := c.bytestreamClient.QueryWriteStatus(c.outgoing(ctx),
		&bytestream.QueryWriteStatusRequest{ResourceName: objectResource(blob)},
		grpc.Header(&header),
	)
	if err != nil {
		return storage.ObjectInfo{}, convertStatus(ctx, err)
	}

	info := storage.ObjectInfo{
		Blob:           blob,
		Size:           resp.CommittedSize,
		Generation:     headerInt(header, generationKey),
		Metageneration: headerInt(header, metagenerationKey),
	}
	if values := header.Get(contentTypeKey); len(values) > 0 {
		info.ContentType = values[0]
	}
	return info, nil
}

// StartResumableUpload implements storage.RPC. The upload id is generated
// here; the service registers it and checks preconditions.
func (c *Client) StartResumableUpload(ctx context.Context, blob storage.BlobID, opts storage.Options) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("generate upload id: %w", err)
	}
	resourceName := uploadResource(id.String(), blob)

	pairs := append(optionsToMetadata(opts), startUploadKey, "true")
	if _, err := c.bytestreamClient.QueryWriteStatus(c.outgoing(ctx, pairs...),
		&bytestream.QueryWriteStatusRequest{ResourceName: resourceName},
	); err != nil {
		return "", convertStatus(ctx, err)
	}
	c.logger.Debugf("Started upload %s", resourceName)
	return resourceName, nil
}

// WriteChunk implements storage.RPC. It queries the committed size first,
// then streams only the bytes the service does not have yet.
func (c *Client) WriteChunk(ctx context.Context, sessionID string, offset int64, data []byte, final bool) (int64, error) {
	status, err := c.bytestreamClient.QueryWriteStatus(c.outgoing(ctx),
		&bytestream.QueryWriteStatusRequest{ResourceName: sessionID},
	)
	if err != nil {
		return 0, convertStatus(ctx, err)
	}

	committed := status.CommittedSize
	end := offset + int64(len(data))
	if status.Complete {
		if final && committed == end {
			return committed, nil
		}
		return 0, &storage.ServiceError{Code: http.StatusBadRequest, Reason: "InvalidArgument", Message: fmt.Sprintf("upload %s is already complete", sessionID)}
	}
	if offset > committed || committed > end {
		return committed, nil
	}

	fresh := data[committed-offset:]
	if len(fresh) == 0 && !final {
		return committed, nil
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := c.bytestreamClient.Write(c.outgoing(streamCtx))
	if err != nil {
		return 0, convertStatus(ctx, err)
	}

	writeOffset := committed
	for first := true; first || len(fresh) > 0; first = false {
		n := len(fresh)
		if n > maxMessageSize {
			n = maxMessageSize
		}
		req := &bytestream.WriteRequest{
			WriteOffset: writeOffset,
			Data:        fresh[:n],
			FinishWrite: final && n == len(fresh),
		}
		if first {
			req.ResourceName = sessionID
		}
		err := stream.Send(req)
		if errors.Is(err, io.EOF) {
			// The service closed the stream; its status is reported by CloseAndRecv.
			break
		}
		if err != nil {
			return 0, convertStatus(ctx, err)
		}
		fresh = fresh[n:]
		writeOffset += int64(n)
	}

	resp, err := stream.CloseAndRecv()
	if err != nil {
		return 0, convertStatus(ctx, err)
	}
	return resp.CommittedSize, nil
}

func headerInt(md metadata.MD, key string) int64 {
	values := md.Get(key)
	if len(values) == 0 {
		return 0
	}
	n, err := strconv.ParseInt(values[0], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
