package bytestream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-resumable/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Resource names:
//
//	blobs/{bucket}/{name}                   an object
//	uploads/{uuid}/blobs/{bucket}/{name}    an upload session of an object
const (
	blobsPrefix   = "blobs/"
	uploadsPrefix = "uploads/"
)

// Metadata keys.
const (
	authorizationKey  = "authorization"
	startUploadKey    = "x-start-upload"
	generationKey     = "x-generation"
	metagenerationKey = "x-metageneration"
	contentTypeKey    = "x-content-type"
	userMetadataKey   = "x-meta-"
)

var textKeys = map[storage.OptionKind]string{
	storage.KindContentType:        contentTypeKey,
	storage.KindCacheControl:       "x-cache-control",
	storage.KindContentDisposition: "x-content-disposition",
	storage.KindContentEncoding:    "x-content-encoding",
	storage.KindContentLanguage:    "x-content-language",
	storage.KindPredefinedACL:      "x-predefined-acl",
}

var numberKeys = map[storage.OptionKind]string{
	storage.KindGenerationMatch:        "x-if-generation-match",
	storage.KindGenerationNotMatch:     "x-if-generation-not-match",
	storage.KindMetagenerationMatch:    "x-if-metageneration-match",
	storage.KindMetagenerationNotMatch: "x-if-metageneration-not-match",
}

func objectResource(blob storage.BlobID) string {
	return blobsPrefix + blob.String()
}

func uploadResource(uploadID string, blob storage.BlobID) string {
	return uploadsPrefix + uploadID + "/" + objectResource(blob)
}

func parseObjectResource(name string) (storage.BlobID, error) {
	rest, ok := strings.CutPrefix(name, blobsPrefix)
	if !ok {
		return storage.BlobID{}, status.Errorf(codes.InvalidArgument, "malformed resource name %q", name)
	}
	blob, err := storage.ParseBlobID(rest)
	if err != nil {
		return storage.BlobID{}, status.Errorf(codes.InvalidArgument, "malformed resource name %q: %s", name, err)
	}
	return blob, nil
}

func parseUploadResource(name string) (string, storage.BlobID, error) {
	rest, ok := strings.CutPrefix(name, uploadsPrefix)
	if !ok {
		return "", storage.BlobID{}, status.Errorf(codes.InvalidArgument, "malformed upload resource name %q", name)
	}
	uploadID, object, ok := strings.Cut(rest, "/")
	if !ok || uploadID == "" {
		return "", storage.BlobID{}, status.Errorf(codes.InvalidArgument, "malformed upload resource name %q", name)
	}
	blob, err := parseObjectResource(object)
	if err != nil {
		return "", storage.BlobID{}, err
	}
	return uploadID, blob, nil
}

// optionsToMetadata encodes object options as outgoing metadata pairs.
// Metadata keys are case-insensitive, so user metadata keys arrive lowercased.
func optionsToMetadata(opts storage.Options) []string {
	var pairs []string
	for _, o := range opts.All() {
		if key, ok := textKeys[o.Kind()]; ok {
			pairs = append(pairs, key, o.Text())
		} else if key, ok := numberKeys[o.Kind()]; ok {
			pairs = append(pairs, key, strconv.FormatInt(o.Number(), 10))
		}
	}
	for k, v := range opts.Metadata() {
		pairs = append(pairs, userMetadataKey+k, v)
	}
	return pairs
}

func optionsFromMetadata(md metadata.MD) (storage.Options, error) {
	var opts []storage.Option
	for kind, key := range textKeys {
		if values := md.Get(key); len(values) > 0 {
			opts = append(opts, textOption(kind, values[0]))
		}
	}
	for kind, key := range numberKeys {
		values := md.Get(key)
		if len(values) == 0 {
			continue
		}
		n, err := strconv.ParseInt(values[0], 10, 64)
		if err != nil {
			return storage.Options{}, status.Errorf(codes.InvalidArgument, "invalid %s: %s", key, values[0])
		}
		opts = append(opts, numberOption(kind, n))
	}

	userMetadata := map[string]string{}
	for key, values := range md {
		if name, ok := strings.CutPrefix(key, userMetadataKey); ok && len(values) > 0 {
			userMetadata[name] = values[0]
		}
	}
	if len(userMetadata) > 0 {
		opts = append(opts, storage.UserMetadata(userMetadata))
	}

	o, err := storage.NewOptions(opts...)
	if err != nil {
		return storage.Options{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return o, nil
}

func textOption(kind storage.OptionKind, v string) storage.Option {
	switch kind {
	case storage.KindContentType:
		return storage.ContentType(v)
	case storage.KindCacheControl:
		return storage.CacheControl(v)
	case storage.KindContentDisposition:
		return storage.ContentDisposition(v)
	case storage.KindContentEncoding:
		return storage.ContentEncoding(v)
	case storage.KindContentLanguage:
		return storage.ContentLanguage(v)
	default:
		return storage.PredefinedACL(v)
	}
}

func numberOption(kind storage.OptionKind, n int64) storage.Option {
	switch kind {
	case storage.KindGenerationMatch:
		return storage.GenerationMatch(n)
	case storage.KindGenerationNotMatch:
		return storage.GenerationNotMatch(n)
	case storage.KindMetagenerationMatch:
		return storage.MetagenerationMatch(n)
	default:
		return storage.MetagenerationNotMatch(n)
	}
}

var codeToHTTP = map[codes.Code]int{
	codes.InvalidArgument:    http.StatusBadRequest,
	codes.Unauthenticated:    http.StatusUnauthorized,
	codes.PermissionDenied:   http.StatusForbidden,
	codes.NotFound:           http.StatusNotFound,
	codes.AlreadyExists:      http.StatusConflict,
	codes.Aborted:            http.StatusConflict,
	codes.FailedPrecondition: http.StatusPreconditionFailed,
	codes.OutOfRange:         http.StatusRequestedRangeNotSatisfiable,
	codes.ResourceExhausted:  http.StatusTooManyRequests,
	codes.Unimplemented:      http.StatusNotImplemented,
	codes.Internal:           http.StatusInternalServerError,
	codes.Unknown:            http.StatusInternalServerError,
	codes.DataLoss:           http.StatusInternalServerError,
	codes.Unavailable:        http.StatusServiceUnavailable,
	codes.DeadlineExceeded:   http.StatusGatewayTimeout,
}

var httpToCode = map[int]codes.Code{
	http.StatusBadRequest:                   codes.InvalidArgument,
	http.StatusUnauthorized:                 codes.Unauthenticated,
	http.StatusForbidden:                    codes.PermissionDenied,
	http.StatusNotFound:                     codes.NotFound,
	http.StatusRequestTimeout:               codes.DeadlineExceeded,
	http.StatusConflict:                     codes.Aborted,
	http.StatusGone:                         codes.NotFound,
	http.StatusPreconditionFailed:           codes.FailedPrecondition,
	http.StatusRequestedRangeNotSatisfiable: codes.OutOfRange,
	http.StatusTooManyRequests:              codes.ResourceExhausted,
	http.StatusNotImplemented:               codes.Unimplemented,
	http.StatusBadGateway:                   codes.Unavailable,
	http.StatusServiceUnavailable:           codes.Unavailable,
	http.StatusGatewayTimeout:               codes.DeadlineExceeded,
}

// convertStatus turns a gRPC status error into *storage.ServiceError.
// Cancellation caused by ctx is reported as the context error.
func convertStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	code, ok := codeToHTTP[st.Code()]
	if !ok {
		return err
	}
	return &storage.ServiceError{Code: code, Reason: st.Code().String(), Message: st.Message()}
}

// toStatus turns a store error into a gRPC status error.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	var serviceErr *storage.ServiceError
	if errors.As(err, &serviceErr) {
		code, ok := httpToCode[serviceErr.Code]
		if !ok {
			code = codes.Internal
		}
		return status.Error(code, serviceErr.Message)
	}
	return status.Error(codes.Internal, fmt.Sprintf("internal error: %s", err))
}
