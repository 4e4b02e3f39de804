package blobstore_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pushd.sh/pushd/internal/blobstore"
	"pushd.sh/pushd/internal/blobstore/memtest"
)

var _ blobstore.Gateway = (*memtest.Gateway)(nil)

func TestPutGetDeleteBlob(t *testing.T) {
	g := memtest.New()
	ctx := context.Background()

	payload := []byte("package contents")
	require.NoError(t, g.PutBlob(ctx, "H1", bytes.NewReader(payload), int64(len(payload)), "application/zip"))
	require.True(t, g.Has("H1"))

	url, err := g.GetBlobURL(ctx, "H1")
	require.NoError(t, err)
	require.Contains(t, url, "H1")

	require.NoError(t, g.DeleteBlob(ctx, "H1"))
	require.False(t, g.Has("H1"))

	_, err = g.GetBlobURL(ctx, "H1")
	require.Error(t, err)
}

func TestHistorySnapshotRoundTrip(t *testing.T) {
	g := memtest.New()
	ctx := context.Background()

	_, err := g.GetHistorySnapshot(ctx, "dep-1")
	require.Error(t, err)

	body := []byte(`[{"label":"v1"}]`)
	require.NoError(t, g.PutHistorySnapshot(ctx, "dep-1", body))

	got, err := g.GetHistorySnapshot(ctx, "dep-1")
	require.NoError(t, err)
	require.Equal(t, body, got)
}
