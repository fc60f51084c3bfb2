package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const stateVersion = 1

const (
	kindRead  = "read"
	kindWrite = "write"
)

// ReadState is the captured position of a Reader. Cursor is the number of
// bytes already delivered to the caller, so a restored Reader continues with
// the first unread byte. Cursor may be past the end of the object; reading a
// restored channel then yields io.EOF.
type ReadState struct {
	Blob      BlobID
	Cursor    int64
	ChunkSize int
	Open      bool
	Options   Options
}

// WriteState is the captured position of a Writer. Cursor is the number of
// bytes the service acknowledged; buffered bytes are not part of the state,
// the caller resupplies content starting at Cursor after a restore.
type WriteState struct {
	Blob      BlobID
	SessionID string
	Cursor    int64
	ChunkSize int
	Open      bool
	Options   Options
}

// stateRecord is the versioned wire form of both states. Field order is
// fixed, so encoding a state always yields the same bytes.
type stateRecord struct {
	Version   int            `json:"v"`
	Kind      string         `json:"kind"`
	Bucket    string         `json:"bucket"`
	Name      string         `json:"name"`
	SessionID string         `json:"session,omitempty"`
	Cursor    int64          `json:"cursor"`
	ChunkSize int            `json:"chunkSize"`
	Open      bool           `json:"open"`
	Options   []optionRecord `json:"options,omitempty"`
}

func decodeRecord(data []byte, kind string) (stateRecord, Options, error) {
	var r stateRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return stateRecord{}, Options{}, fmt.Errorf("%w: %s", ErrInvalidState, err)
	}
	if r.Version != stateVersion {
		return stateRecord{}, Options{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidState, r.Version)
	}
	if r.Kind != kind {
		return stateRecord{}, Options{}, fmt.Errorf("%w: expected %s state, got %q", ErrInvalidState, kind, r.Kind)
	}
	opts, err := optionsFromRecords(r.Options)
	if err != nil {
		return stateRecord{}, Options{}, fmt.Errorf("%w: %s", ErrInvalidState, err)
	}
	return r, opts, nil
}

func validateState(blob BlobID, cursor int64, chunkSize int) error {
	if err := blob.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidState, err)
	}
	if cursor < 0 {
		return fmt.Errorf("%w: negative cursor %d", ErrInvalidState, cursor)
	}
	if chunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidState, chunkSize)
	}
	return nil
}

// Validate ...
func (s ReadState) Validate() error {
	return validateState(s.Blob, s.Cursor, s.ChunkSize)
}

// Equal ...
func (s ReadState) Equal(other ReadState) bool {
	return s.Blob == other.Blob &&
		s.Cursor == other.Cursor &&
		s.ChunkSize == other.ChunkSize &&
		s.Open == other.Open &&
		s.Options.Equal(other.Options)
}

// Hash is stable across processes: equal states hash equally.
func (s ReadState) Hash() uint64 {
	data, _ := s.MarshalBinary()
	return xxhash.Sum64(data)
}

func (s ReadState) String() string {
	return fmt.Sprintf("ReadState{blob=%s, cursor=%d, chunkSize=%d, open=%t, options=%s}",
		s.Blob, s.Cursor, s.ChunkSize, s.Open, s.Options)
}

func (s ReadState) record() stateRecord {
	return stateRecord{
		Version:   stateVersion,
		Kind:      kindRead,
		Bucket:    s.Blob.Bucket,
		Name:      s.Blob.Name,
		Cursor:    s.Cursor,
		ChunkSize: s.ChunkSize,
		Open:      s.Open,
		Options:   s.Options.records(),
	}
}

// MarshalBinary ...
func (s ReadState) MarshalBinary() ([]byte, error) {
	return json.Marshal(s.record())
}

// UnmarshalBinary ...
func (s *ReadState) UnmarshalBinary(data []byte) error {
	r, opts, err := decodeRecord(data, kindRead)
	if err != nil {
		return err
	}
	st := ReadState{
		Blob:      BlobID{Bucket: r.Bucket, Name: r.Name},
		Cursor:    r.Cursor,
		ChunkSize: r.ChunkSize,
		Open:      r.Open,
		Options:   opts,
	}
	if err := st.Validate(); err != nil {
		return err
	}
	*s = st
	return nil
}

// MarshalJSON ...
func (s ReadState) MarshalJSON() ([]byte, error) {
	return s.MarshalBinary()
}

// UnmarshalJSON ...
func (s *ReadState) UnmarshalJSON(data []byte) error {
	return s.UnmarshalBinary(data)
}

// Validate ...
func (s WriteState) Validate() error {
	if err := validateState(s.Blob, s.Cursor, s.ChunkSize); err != nil {
		return err
	}
	if s.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidState)
	}
	return nil
}

// Equal ...
func (s WriteState) Equal(other WriteState) bool {
	return s.Blob == other.Blob &&
		s.SessionID == other.SessionID &&
		s.Cursor == other.Cursor &&
		s.ChunkSize == other.ChunkSize &&
		s.Open == other.Open &&
		s.Options.Equal(other.Options)
}

// Hash is stable across processes: equal states hash equally.
func (s WriteState) Hash() uint64 {
	data, _ := s.MarshalBinary()
	return xxhash.Sum64(data)
}

func (s WriteState) String() string {
	return fmt.Sprintf("WriteState{blob=%s, session=%s, cursor=%d, chunkSize=%d, open=%t, options=%s}",
		s.Blob, s.SessionID, s.Cursor, s.ChunkSize, s.Open, s.Options)
}

func (s WriteState) record() stateRecord {
	return stateRecord{
		Version:   stateVersion,
		Kind:      kindWrite,
		Bucket:    s.Blob.Bucket,
		Name:      s.Blob.Name,
		SessionID: s.SessionID,
		Cursor:    s.Cursor,
		ChunkSize: s.ChunkSize,
		Open:      s.Open,
		Options:   s.Options.records(),
	}
}

// MarshalBinary ...
func (s WriteState) MarshalBinary() ([]byte, error) {
	return json.Marshal(s.record())
}

// UnmarshalBinary ...
func (s *WriteState) UnmarshalBinary(data []byte) error {
	r, opts, err := decodeRecord(data, kindWrite)
	if err != nil {
		return err
	}
	st := WriteState{
		Blob:      BlobID{Bucket: r.Bucket, Name: r.Name},
		SessionID: r.SessionID,
		Cursor:    r.Cursor,
		ChunkSize: r.ChunkSize,
		Open:      r.Open,
		Options:   opts,
	}
	if err := st.Validate(); err != nil {
		return err
	}
	*s = st
	return nil
}

// MarshalJSON ...
func (s WriteState) MarshalJSON() ([]byte, error) {
	return s.MarshalBinary()
}

// UnmarshalJSON ...
func (s *WriteState) UnmarshalJSON(data []byte) error {
	return s.UnmarshalBinary(data)
}
