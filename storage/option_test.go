package storage_test

import (
	"errors"
	"testing"

	"github.com/bitrise-io/go-resumable/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    []storage.Option
		wantErr bool
	}{
		{name: "empty set"},
		{name: "all write options", opts: []storage.Option{
			storage.ContentType("text/plain"),
			storage.CacheControl("no-cache"),
			storage.ContentDisposition("attachment"),
			storage.ContentEncoding("gzip"),
			storage.ContentLanguage("en"),
			storage.UserMetadata(map[string]string{"k": "v"}),
			storage.PredefinedACL(storage.ACLPublicRead),
			storage.DoesNotExist(),
			storage.MetagenerationMatch(1),
		}},
		{name: "empty content type", opts: []storage.Option{storage.ContentType(" ")}, wantErr: true},
		{name: "unknown acl", opts: []storage.Option{storage.PredefinedACL("everyone")}, wantErr: true},
		{name: "empty metadata", opts: []storage.Option{storage.UserMetadata(nil)}, wantErr: true},
		{name: "empty metadata key", opts: []storage.Option{storage.UserMetadata(map[string]string{"": "v"})}, wantErr: true},
		{name: "negative generation", opts: []storage.Option{storage.GenerationMatch(-1)}, wantErr: true},
		{name: "duplicate kind", opts: []storage.Option{storage.ContentType("a/b"), storage.ContentType("c/d")}, wantErr: true},
		{name: "does not exist and generation match", opts: []storage.Option{storage.DoesNotExist(), storage.GenerationMatch(5)}, wantErr: true},
		{name: "zero value option", opts: []storage.Option{{}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := storage.NewOptions(tt.opts...)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, storage.ErrInvalidOption))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tt.opts), opts.Len())
		})
	}
}

func TestOptions_Accessors(t *testing.T) {
	meta := map[string]string{"owner": "ci"}
	opts := mustOptions(t, storage.UserMetadata(meta), storage.ContentType("text/plain"), storage.DoesNotExist())

	meta["owner"] = "changed"

	assert.Equal(t, "text/plain", opts.Text(storage.KindContentType))
	assert.Equal(t, "", opts.Text(storage.KindCacheControl))
	assert.Equal(t, map[string]string{"owner": "ci"}, opts.Metadata())

	g, ok := opts.Number(storage.KindGenerationMatch)
	assert.True(t, ok)
	assert.Equal(t, int64(0), g)

	_, ok = opts.Number(storage.KindMetagenerationMatch)
	assert.False(t, ok)

	kinds := []storage.OptionKind{}
	for _, o := range opts.All() {
		kinds = append(kinds, o.Kind())
	}
	assert.Equal(t, []storage.OptionKind{storage.KindContentType, storage.KindUserMetadata, storage.KindGenerationMatch}, kinds)
	assert.Equal(t, "[contentType=text/plain metadata={owner:ci} ifGenerationMatch=0]", opts.String())
}

func TestOptions_Restrict(t *testing.T) {
	readOpts := mustOptions(t, storage.GenerationMatch(1), storage.MetagenerationNotMatch(2))
	assert.NoError(t, readOpts.Restrict(storage.ReadOptionKinds...))

	writeOpts := mustOptions(t, storage.GenerationMatch(1), storage.CacheControl("private"))
	err := writeOpts.Restrict(storage.ReadOptionKinds...)
	assert.True(t, errors.Is(err, storage.ErrInvalidOption))
}

func TestOptions_EqualIgnoresConstructionOrder(t *testing.T) {
	a := mustOptions(t, storage.ContentType("a/b"), storage.GenerationMatch(1))
	b := mustOptions(t, storage.GenerationMatch(1), storage.ContentType("a/b"))
	c := mustOptions(t, storage.GenerationMatch(2), storage.ContentType("a/b"))

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, storage.Options{}.Equal(mustOptions(t)))
}
