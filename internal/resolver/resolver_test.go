package resolver_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JAG-UK/pincer/internal/auth"
	"github.com/JAG-UK/pincer/internal/blobstore"
	"github.com/JAG-UK/pincer/internal/digest"
	"github.com/JAG-UK/pincer/internal/mapping"
	"github.com/JAG-UK/pincer/internal/remote"
	"github.com/JAG-UK/pincer/internal/resolver"
)

// stubBackend implements remote.Backend with a canned Fetch response, for
// exercising the resolver's local/remote/fallback dispatch without a real
// pinning service.
type stubBackend struct {
	fetchErr  error
	fetchBody string
}

func (b *stubBackend) Initialize(ctx context.Context, cred auth.Credential, rpcURL, warmStorage string) (remote.BaseService, error) {
	return struct{}{}, nil
}
func (b *stubBackend) CreateDataset(ctx context.Context, base remote.BaseService, metadata map[string]string) (remote.DatasetHandle, error) {
	return struct{}{}, nil
}
func (b *stubBackend) Pin(ctx context.Context, base remote.BaseService, dataset remote.DatasetHandle, payload []byte, contentID string, metadata map[string]string) (remote.PinReceipt, error) {
	return remote.PinReceipt{}, nil
}
func (b *stubBackend) Fetch(ctx context.Context, contentID string) (io.ReadCloser, error) {
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return io.NopCloser(strings.NewReader(b.fetchBody)), nil
}
func (b *stubBackend) Teardown(ctx context.Context) error { return nil }

func TestOpenBlobLocal(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)

	content := []byte("local bytes")
	d := digest.FromBytes(content)
	require.NoError(t, store.PutBlob(d, content))

	mgr := remote.NewManager(&stubBackend{}, "", "", "test")
	res := resolver.New(store, mgr)

	rc, err := res.OpenBlob(context.Background(), mapping.ContentRef(d), "")
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestOpenBlobRemoteSuccess(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)

	mgr := remote.NewManager(&stubBackend{fetchBody: "remote bytes"}, "", "", "test")
	res := resolver.New(store, mgr)

	rc, err := res.OpenBlob(context.Background(), mapping.ContentRef("bafyremote"), "")
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "remote bytes", string(got))
}

func TestOpenBlobRemoteFailureFallsBackLocal(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)

	fallbackContent := []byte("stale local copy")
	fallbackDigest := digest.FromBytes(fallbackContent)
	require.NoError(t, store.PutBlob(fallbackDigest, fallbackContent))

	mgr := remote.NewManager(&stubBackend{fetchErr: errors.New("gateway unreachable")}, "", "", "test")
	res := resolver.New(store, mgr)

	rc, err := res.OpenBlob(context.Background(), mapping.ContentRef("bafyremote"), fallbackDigest)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, fallbackContent, got)
}

func TestOpenBlobRemoteFailureNoFallback(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)

	mgr := remote.NewManager(&stubBackend{fetchErr: errors.New("gateway unreachable")}, "", "", "test")
	res := resolver.New(store, mgr)

	_, err = res.OpenBlob(context.Background(), mapping.ContentRef("bafyremote"), "")
	assert.ErrorIs(t, err, resolver.ErrNotFound)
}

func TestOpenBlobLocalNotFound(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	mgr := remote.NewManager(&stubBackend{}, "", "", "test")
	res := resolver.New(store, mgr)

	_, err = res.OpenBlob(context.Background(), mapping.ContentRef("sha256:unknown"), "")
	assert.ErrorIs(t, err, resolver.ErrNotFound)
}
