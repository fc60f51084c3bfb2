package storage

import (
	"fmt"
	"strings"
)

// BlobID identifies an object in a bucket.
type BlobID struct {
	Bucket string
	Name   string
}

// ParseBlobID parses the "bucket/name" form. The name may contain further slashes.
func ParseBlobID(s string) (BlobID, error) {
	s = strings.TrimPrefix(s, "/")
	bucket, name, ok := strings.Cut(s, "/")
	id := BlobID{Bucket: bucket, Name: name}
	if !ok {
		return BlobID{}, fmt.Errorf("%w: blob %q must have the form bucket/name", ErrInvalidArgument, s)
	}
	if err := id.Validate(); err != nil {
		return BlobID{}, err
	}
	return id, nil
}

// Validate ...
func (b BlobID) Validate() error {
	if b.Bucket == "" {
		return fmt.Errorf("%w: bucket name is empty", ErrInvalidArgument)
	}
	if b.Name == "" {
		return fmt.Errorf("%w: object name is empty", ErrInvalidArgument)
	}
	return nil
}

func (b BlobID) String() string {
	return b.Bucket + "/" + b.Name
}

// Chunk is a contiguous range of object content returned by RPC.ReadChunk.
// Generation is 0 when the service does not report object generations.
type Chunk struct {
	Data       []byte
	Generation int64
}

// ObjectInfo ...
type ObjectInfo struct {
	Blob           BlobID
	Size           int64
	Generation     int64
	Metageneration int64
	ContentType    string
}
