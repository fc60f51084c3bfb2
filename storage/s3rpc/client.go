// Package s3rpc implements storage.RPC on top of S3 multipart uploads.
//
// A resumable session is a multipart upload; every chunk becomes one part
// and the final chunk completes the upload. The persisted byte count of a
// session is the total size of its listed parts, so no client side
// bookkeeping survives between processes except the session id.
package s3rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-resumable/storage"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/cespare/xxhash/v2"
)

// Granularity is the minimum size of every part but the last.
const Granularity = 5 * 1024 * 1024

const discoveryRegion = "us-east-1"

// s3API is the subset of *s3.Client used by Client.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Params ...
type Params struct {
	// Region of the bucket. When empty it is discovered from Bucket.
	Region string
	// Bucket is only used for region discovery.
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, e.g. for MinIO.
	Endpoint     string
	UsePathStyle bool
}

// Client is a storage.RPC backed by S3.
type Client struct {
	api    s3API
	logger log.Logger
}

var _ storage.RPC = (*Client)(nil)

// NewClient loads the AWS configuration and creates a Client.
func NewClient(ctx context.Context, p Params, logger log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.NewLogger()
	}

	region := p.Region
	if region == "" {
		if p.Bucket == "" {
			return nil, fmt.Errorf("%w: either region or bucket must be set", storage.ErrInvalidArgument)
		}
		discovered, err := discoverRegion(ctx, p, logger)
		if err != nil {
			return nil, err
		}
		region = discovered
	}

	cfg, err := loadAWSCredentials(ctx, region, p.AccessKeyID, p.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return newClient(s3.NewFromConfig(*cfg, endpointOptions(p)), logger), nil
}

func newClient(api s3API, logger log.Logger) *Client {
	return &Client{api: api, logger: logger}
}

func endpointOptions(p Params) func(*s3.Options) {
	return func(o *s3.Options) {
		if p.Endpoint != "" {
			o.BaseEndpoint = aws.String(p.Endpoint)
		}
		o.UsePathStyle = p.UsePathStyle
	}
}

func discoverRegion(ctx context.Context, p Params, logger log.Logger) (string, error) {
	cfg, err := loadAWSCredentials(ctx, discoveryRegion, p.AccessKeyID, p.SecretAccessKey, logger)
	if err != nil {
		return "", fmt.Errorf("load aws credentials: %w", err)
	}
	region, err := manager.GetBucketRegion(ctx, s3.NewFromConfig(*cfg, endpointOptions(p)), p.Bucket)
	if err != nil {
		return "", fmt.Errorf("discover region of bucket %s: %w", p.Bucket, convertError(err))
	}
	logger.Debugf("Bucket %s is in region %s", p.Bucket, region)
	return region, nil
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

// ChunkGranularity implements storage.ChunkGranularity.
func (c *Client) ChunkGranularity() int {
	return Granularity
}

// ReadChunk implements storage.RPC. The chunk generation is derived from the ETag.
func (c *Client) ReadChunk(ctx context.Context, blob storage.BlobID, offset int64, length int, opts storage.Options) (storage.Chunk, error) {
	if opts.Len() > 0 {
		return storage.Chunk{}, fmt.Errorf("%w: generation preconditions on S3 objects", storage.ErrUnsupported)
	}

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(blob.Bucket),
		Key:    aws.String(blob.Name),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+int64(length)-1)),
	})
	if err != nil {
		converted := convertError(err)
		var serviceErr *storage.ServiceError
		if errors.As(converted, &serviceErr) && serviceErr.Code == http.StatusRequestedRangeNotSatisfiable {
			return storage.Chunk{}, nil
		}
		return storage.Chunk{}, converted
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}(out.Body)

	data, err := io.ReadAll(io.LimitReader(out.Body, int64(length)))
	if err != nil {
		return storage.Chunk{}, fmt.Errorf("read object body: %w", err)
	}
	return storage.Chunk{Data: data, Generation: generationFromETag(aws.ToString(out.ETag))}, nil
}

// Stat implements storage.RPC.
func (c *Client) Stat(ctx context.Context, blob storage.BlobID) (storage.ObjectInfo, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(blob.Bucket),
		Key:    aws.String(blob.Name),
	})
	if err != nil {
		return storage.ObjectInfo{}, convertError(err)
	}
	return storage.ObjectInfo{
		Blob:           blob,
		Size:           aws.ToInt64(out.ContentLength),
		Generation:     generationFromETag(aws.ToString(out.ETag)),
		Metageneration: 1,
		ContentType:    aws.ToString(out.ContentType),
	}, nil
}

var cannedACLs = map[string]types.ObjectCannedACL{
	storage.ACLPrivate:                types.ObjectCannedACLPrivate,
	storage.ACLPublicRead:             types.ObjectCannedACLPublicRead,
	storage.ACLAuthenticatedRead:      types.ObjectCannedACLAuthenticatedRead,
	storage.ACLBucketOwnerRead:        types.ObjectCannedACLBucketOwnerRead,
	storage.ACLBucketOwnerFullControl: types.ObjectCannedACLBucketOwnerFullControl,
}

// StartResumableUpload implements storage.RPC. DoesNotExist is the only
// supported precondition; it is checked once, when the upload starts.
func (c *Client) StartResumableUpload(ctx context.Context, blob storage.BlobID, opts storage.Options) (string, error) {
	if err := opts.Restrict(
		storage.KindContentType, storage.KindCacheControl, storage.KindContentDisposition,
		storage.KindContentEncoding, storage.KindContentLanguage, storage.KindUserMetadata,
		storage.KindPredefinedACL, storage.KindGenerationMatch,
	); err != nil {
		return "", fmt.Errorf("%w: %s", storage.ErrUnsupported, err)
	}

	if g, ok := opts.Number(storage.KindGenerationMatch); ok {
		if g != 0 {
			return "", fmt.Errorf("%w: generation match other than does-not-exist", storage.ErrUnsupported)
		}
		if err := c.ensureAbsent(ctx, blob); err != nil {
			return "", err
		}
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(blob.Bucket),
		Key:      aws.String(blob.Name),
		Metadata: opts.Metadata(),
	}
	for dst, kind := range map[**string]storage.OptionKind{
		&input.ContentType:        storage.KindContentType,
		&input.CacheControl:       storage.KindCacheControl,
		&input.ContentDisposition: storage.KindContentDisposition,
		&input.ContentEncoding:    storage.KindContentEncoding,
		&input.ContentLanguage:    storage.KindContentLanguage,
	} {
		if v := opts.Text(kind); v != "" {
			*dst = aws.String(v)
		}
	}
	if acl := opts.Text(storage.KindPredefinedACL); acl != "" {
		canned, ok := cannedACLs[acl]
		if !ok {
			return "", fmt.Errorf("%w: predefined ACL %s has no S3 equivalent", storage.ErrUnsupported, acl)
		}
		input.ACL = canned
	}

	out, err := c.api.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", convertError(err)
	}
	c.logger.Debugf("Created multipart upload %s for %s", aws.ToString(out.UploadId), blob)
	return sessionURI(blob, aws.ToString(out.UploadId)), nil
}

func (c *Client) ensureAbsent(ctx context.Context, blob storage.BlobID) error {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(blob.Bucket),
		Key:    aws.String(blob.Name),
	})
	if err == nil {
		return &storage.ServiceError{Code: http.StatusPreconditionFailed, Reason: "conditionNotMet", Message: fmt.Sprintf("%s already exists", blob)}
	}
	if converted := convertError(err); !storage.IsNotFound(converted) {
		return converted
	}
	return nil
}

// WriteChunk implements storage.RPC. Bytes already covered by uploaded parts
// are trimmed from data; a final call completes the multipart upload.
// A non-final chunk must leave at least Granularity fresh bytes, which holds
// for every writer since chunk sizes are rounded up to it.
func (c *Client) WriteChunk(ctx context.Context, sessionID string, offset int64, data []byte, final bool) (int64, error) {
	blob, uploadID, err := parseSessionURI(sessionID)
	if err != nil {
		return 0, err
	}
	end := offset + int64(len(data))

	parts, persisted, err := c.listParts(ctx, blob, uploadID)
	if err != nil {
		if final && storage.IsNotFound(err) {
			return c.completedSize(ctx, blob, end, err)
		}
		return 0, err
	}

	if offset > persisted {
		return persisted, nil
	}
	if persisted > end {
		if final {
			return 0, &storage.ServiceError{Code: http.StatusBadRequest, Reason: "invalid", Message: fmt.Sprintf("declared size %d is below the %d uploaded bytes", end, persisted)}
		}
		return persisted, nil
	}
	if fresh := int64(len(data)) - (persisted - offset); !final && fresh > 0 && fresh < Granularity {
		return 0, &storage.ServiceError{Code: http.StatusBadRequest, Reason: "invalid", Message: fmt.Sprintf("part of %d bytes at offset %d is below the %d bytes minimum", fresh, persisted, Granularity)}
	}

	if fresh := data[persisted-offset:]; len(fresh) > 0 || (final && len(parts) == 0) {
		part, err := c.uploadPart(ctx, blob, uploadID, int32(len(parts)+1), fresh)
		if err != nil {
			return 0, err
		}
		parts = append(parts, part)
		persisted += int64(len(fresh))
	}

	if !final {
		return persisted, nil
	}

	if persisted != end {
		return 0, &storage.ServiceError{Code: http.StatusBadRequest, Reason: "invalid", Message: fmt.Sprintf("declared size %d does not match the %d uploaded bytes", end, persisted)}
	}

	_, err = c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(blob.Bucket),
		Key:             aws.String(blob.Name),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return 0, convertError(err)
	}
	c.logger.Debugf("Completed multipart upload of %s with %d parts", blob, len(parts))
	return end, nil
}

// completedSize answers a resent final chunk whose upload is already gone:
// if the object has the declared size, the earlier completion succeeded.
func (c *Client) completedSize(ctx context.Context, blob storage.BlobID, size int64, listErr error) (int64, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(blob.Bucket),
		Key:    aws.String(blob.Name),
	})
	if err != nil || aws.ToInt64(out.ContentLength) != size {
		return 0, listErr
	}
	return size, nil
}

func (c *Client) listParts(ctx context.Context, blob storage.BlobID, uploadID string) ([]types.CompletedPart, int64, error) {
	var parts []types.CompletedPart
	var persisted int64

	paginator := s3.NewListPartsPaginator(c.api, &s3.ListPartsInput{
		Bucket:   aws.String(blob.Bucket),
		Key:      aws.String(blob.Name),
		UploadId: aws.String(uploadID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, 0, convertError(err)
		}
		for _, p := range page.Parts {
			parts = append(parts, types.CompletedPart{ETag: p.ETag, PartNumber: p.PartNumber})
			persisted += aws.ToInt64(p.Size)
		}
	}
	return parts, persisted, nil
}

func (c *Client) uploadPart(ctx context.Context, blob storage.BlobID, uploadID string, number int32, data []byte) (types.CompletedPart, error) {
	out, err := c.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(blob.Bucket),
		Key:           aws.String(blob.Name),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(number),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return types.CompletedPart{}, convertError(err)
	}
	return types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(number)}, nil
}

// Abort deletes the multipart upload of a session and its uploaded parts.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	blob, uploadID, err := parseSessionURI(sessionID)
	if err != nil {
		return err
	}
	_, err = c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(blob.Bucket),
		Key:      aws.String(blob.Name),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return convertError(err)
	}
	return nil
}

func sessionURI(blob storage.BlobID, uploadID string) string {
	u := url.URL{
		Scheme:   "s3",
		Host:     blob.Bucket,
		Path:     "/" + blob.Name,
		RawQuery: url.Values{"uploadId": {uploadID}}.Encode(),
	}
	return u.String()
}

func parseSessionURI(sessionID string) (storage.BlobID, string, error) {
	u, err := url.Parse(sessionID)
	if err != nil || u.Scheme != "s3" {
		return storage.BlobID{}, "", fmt.Errorf("%w: malformed session id %q", storage.ErrInvalidArgument, sessionID)
	}
	blob := storage.BlobID{Bucket: u.Host, Name: strings.TrimPrefix(u.Path, "/")}
	uploadID := u.Query().Get("uploadId")
	if blob.Validate() != nil || uploadID == "" {
		return storage.BlobID{}, "", fmt.Errorf("%w: malformed session id %q", storage.ErrInvalidArgument, sessionID)
	}
	return blob, uploadID, nil
}

// generationFromETag maps an ETag to a positive number, 0 for a missing ETag.
func generationFromETag(etag string) int64 {
	if etag == "" {
		return 0
	}
	return int64(xxhash.Sum64String(etag)>>1) | 1
}

var errorCodes = map[string]int{
	"NoSuchKey":          http.StatusNotFound,
	"NotFound":           http.StatusNotFound,
	"NoSuchUpload":       http.StatusNotFound,
	"NoSuchBucket":       http.StatusNotFound,
	"AccessDenied":       http.StatusForbidden,
	"InvalidRange":       http.StatusRequestedRangeNotSatisfiable,
	"PreconditionFailed": http.StatusPreconditionFailed,
	"RequestTimeout":     http.StatusRequestTimeout,
	"SlowDown":           http.StatusServiceUnavailable,
	"InternalError":      http.StatusInternalServerError,
	"ServiceUnavailable": http.StatusServiceUnavailable,
}

// convertError turns S3 API errors into *storage.ServiceError. Other errors,
// e.g. transport failures, are returned as is.
func convertError(err error) error {
	code := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code = respErr.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		if code != 0 {
			return &storage.ServiceError{Code: code, Message: err.Error()}
		}
		return err
	}

	if mapped, ok := errorCodes[apiErr.ErrorCode()]; ok && (code == 0 || code == http.StatusOK) {
		code = mapped
	}
	message := apiErr.ErrorMessage()
	if message == "" {
		message = err.Error()
	}
	return &storage.ServiceError{Code: code, Reason: apiErr.ErrorCode(), Message: message}
}
