package artifact_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchline/internal/artifact"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)

	ref, err := store.Put(ctx, []byte("report body"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, artifact.Ref([]byte("report body")), ref)

	again, err := store.Put(ctx, []byte("report body"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	data, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "report body", string(data))
}

func TestFileStoreGetErrors(t *testing.T) {
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "md5:abc")
	assert.Error(t, err)

	_, err = store.Get(context.Background(), artifact.Ref([]byte("missing")))
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestNewS3StoreNeedsBucket(t *testing.T) {
	_, err := artifact.NewS3Store(context.Background(), artifact.S3Config{Region: "us-east-1"})
	assert.Error(t, err)
}
