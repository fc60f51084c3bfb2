package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bitrise-io/go-resumable/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustOptions(t *testing.T, opts ...storage.Option) storage.Options {
	t.Helper()
	o, err := storage.NewOptions(opts...)
	require.NoError(t, err)
	return o
}

func TestReadState_RoundTrip(t *testing.T) {
	states := []storage.ReadState{
		{Blob: testBlob, Cursor: 0, ChunkSize: storage.DefaultChunkSize, Open: true},
		{Blob: testBlob, Cursor: 12345, ChunkSize: 1024, Open: false},
		{Blob: testBlob, Cursor: 7, ChunkSize: 1, Open: true, Options: mustOptions(t, storage.GenerationMatch(3), storage.MetagenerationNotMatch(0))},
	}

	for _, state := range states {
		t.Run(state.String(), func(t *testing.T) {
			data, err := state.MarshalBinary()
			require.NoError(t, err)

			var decoded storage.ReadState
			require.NoError(t, decoded.UnmarshalBinary(data))

			assert.True(t, state.Equal(decoded))
			assert.Equal(t, state.Hash(), decoded.Hash())
			assert.Equal(t, state.String(), decoded.String())
		})
	}
}

func TestWriteState_RoundTrip(t *testing.T) {
	state := storage.WriteState{
		Blob:      testBlob,
		SessionID: "session-1",
		Cursor:    2 * 1024 * 1024,
		ChunkSize: 1024 * 1024,
		Open:      true,
		Options: mustOptions(t,
			storage.ContentType("application/octet-stream"),
			storage.UserMetadata(map[string]string{"b": "2", "a": "1"}),
			storage.DoesNotExist(),
		),
	}

	data, err := state.MarshalBinary()
	require.NoError(t, err)

	var decoded storage.WriteState
	require.NoError(t, decoded.UnmarshalBinary(data))

	assert.True(t, state.Equal(decoded))
	assert.Equal(t, state.Hash(), decoded.Hash())
	assert.Equal(t, state.String(), decoded.String())

	again, err := decoded.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestWriteState_EmbeddedInJSON(t *testing.T) {
	type checkpoint struct {
		Path  string             `json:"path"`
		State storage.WriteState `json:"state"`
	}

	in := checkpoint{
		Path:  "/tmp/archive.tar",
		State: storage.WriteState{Blob: testBlob, SessionID: "s", Cursor: 10, ChunkSize: 10, Open: true},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out checkpoint
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.Path, out.Path)
	assert.True(t, in.State.Equal(out.State))
}

func TestState_EqualAndHashDistinguishFields(t *testing.T) {
	base := storage.WriteState{Blob: testBlob, SessionID: "s", Cursor: 10, ChunkSize: 10, Open: true}

	variants := map[string]storage.WriteState{
		"cursor":  {Blob: testBlob, SessionID: "s", Cursor: 11, ChunkSize: 10, Open: true},
		"session": {Blob: testBlob, SessionID: "t", Cursor: 10, ChunkSize: 10, Open: true},
		"open":    {Blob: testBlob, SessionID: "s", Cursor: 10, ChunkSize: 10, Open: false},
		"blob":    {Blob: storage.BlobID{Bucket: "other", Name: testBlob.Name}, SessionID: "s", Cursor: 10, ChunkSize: 10, Open: true},
		"options": {Blob: testBlob, SessionID: "s", Cursor: 10, ChunkSize: 10, Open: true, Options: mustOptions(t, storage.ContentType("a/b"))},
	}

	for name, v := range variants {
		t.Run(name, func(t *testing.T) {
			assert.False(t, base.Equal(v))
			assert.NotEqual(t, base.Hash(), v.Hash())
		})
	}
}

func TestState_DecodeRejectsInvalidRecords(t *testing.T) {
	tests := []struct {
		name  string
		write bool
		data  string
	}{
		{name: "not json", data: `garbage`},
		{name: "unknown version", data: `{"v":2,"kind":"read","bucket":"b","name":"n","cursor":0,"chunkSize":1,"open":true}`},
		{name: "missing version", data: `{"kind":"read","bucket":"b","name":"n","cursor":0,"chunkSize":1,"open":true}`},
		{name: "write record as read state", data: `{"v":1,"kind":"write","bucket":"b","name":"n","session":"s","cursor":0,"chunkSize":1,"open":true}`},
		{name: "read record as write state", write: true, data: `{"v":1,"kind":"read","bucket":"b","name":"n","cursor":0,"chunkSize":1,"open":true}`},
		{name: "negative cursor", data: `{"v":1,"kind":"read","bucket":"b","name":"n","cursor":-1,"chunkSize":1,"open":true}`},
		{name: "zero chunk size", data: `{"v":1,"kind":"read","bucket":"b","name":"n","cursor":0,"chunkSize":0,"open":true}`},
		{name: "empty bucket", data: `{"v":1,"kind":"read","bucket":"","name":"n","cursor":0,"chunkSize":1,"open":true}`},
		{name: "empty session", write: true, data: `{"v":1,"kind":"write","bucket":"b","name":"n","cursor":0,"chunkSize":1,"open":true}`},
		{name: "unknown option", data: `{"v":1,"kind":"read","bucket":"b","name":"n","cursor":0,"chunkSize":1,"open":true,"options":[{"kind":"colour","text":"red"}]}`},
		{name: "generation option without number", data: `{"v":1,"kind":"read","bucket":"b","name":"n","cursor":0,"chunkSize":1,"open":true,"options":[{"kind":"ifGenerationMatch"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.write {
				var s storage.WriteState
				err = s.UnmarshalBinary([]byte(tt.data))
			} else {
				var s storage.ReadState
				err = s.UnmarshalBinary([]byte(tt.data))
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, storage.ErrInvalidState))
		})
	}
}

func TestRestore_RejectsInvalidState(t *testing.T) {
	_, err := storage.RestoreWriter(context.Background(), newStore(), storage.WriteState{Blob: testBlob, Cursor: 0, ChunkSize: 1, Open: true})
	assert.True(t, errors.Is(err, storage.ErrInvalidState))

	_, err = storage.RestoreReader(context.Background(), newStore(), storage.ReadState{Blob: testBlob, Cursor: -5, ChunkSize: 1, Open: true})
	assert.True(t, errors.Is(err, storage.ErrInvalidState))
}
