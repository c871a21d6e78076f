package remote_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JAG-UK/pincer/internal/auth"
	"github.com/JAG-UK/pincer/internal/remote"
)

type countingBackend struct {
	datasetCalls int32
}

func (b *countingBackend) Initialize(ctx context.Context, cred auth.Credential, rpcURL, warmStorage string) (remote.BaseService, error) {
	return cred, nil
}
func (b *countingBackend) CreateDataset(ctx context.Context, base remote.BaseService, metadata map[string]string) (remote.DatasetHandle, error) {
	n := atomic.AddInt32(&b.datasetCalls, 1)
	return fmt.Sprintf("dataset-%d", n), nil
}
func (b *countingBackend) Pin(ctx context.Context, base remote.BaseService, dataset remote.DatasetHandle, payload []byte, contentID string, metadata map[string]string) (remote.PinReceipt, error) {
	return remote.PinReceipt{ID: "receipt"}, nil
}
func (b *countingBackend) Fetch(ctx context.Context, contentID string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("not implemented")
}
func (b *countingBackend) Teardown(ctx context.Context) error { return nil }

func TestServiceForCachesPerImage(t *testing.T) {
	backend := &countingBackend{}
	mgr := remote.NewManager(backend, "http://rpc", "0xwarm", "pincer")

	svc1, err := mgr.ServiceFor(context.Background(), "0xcred", "library/test")
	require.NoError(t, err)
	svc2, err := mgr.ServiceFor(context.Background(), "0xcred", "library/test")
	require.NoError(t, err)

	assert.Same(t, svc1, svc2)
	assert.EqualValues(t, 1, backend.datasetCalls)
}

func TestServiceForDistinctImagesGetDistinctDatasets(t *testing.T) {
	backend := &countingBackend{}
	mgr := remote.NewManager(backend, "http://rpc", "0xwarm", "pincer")

	_, err := mgr.ServiceFor(context.Background(), "0xcred", "library/a")
	require.NoError(t, err)
	_, err = mgr.ServiceFor(context.Background(), "0xcred", "library/b")
	require.NoError(t, err)

	assert.EqualValues(t, 2, backend.datasetCalls)
}

func TestServiceForConcurrentFirstPushDeduplicates(t *testing.T) {
	backend := &countingBackend{}
	mgr := remote.NewManager(backend, "http://rpc", "0xwarm", "pincer")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.ServiceFor(context.Background(), "0xcred", "library/race")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, backend.datasetCalls)
}

func TestShutdownTearsDownBackend(t *testing.T) {
	backend := &countingBackend{}
	mgr := remote.NewManager(backend, "http://rpc", "0xwarm", "pincer")

	_, err := mgr.ServiceFor(context.Background(), "0xcred", "library/test")
	require.NoError(t, err)

	require.NoError(t, mgr.Shutdown(context.Background()))
}
