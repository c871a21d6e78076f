package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JAG-UK/pincer/internal/auth"
	"github.com/JAG-UK/pincer/internal/blobstore"
	"github.com/JAG-UK/pincer/internal/digest"
	"github.com/JAG-UK/pincer/internal/mapping"
	"github.com/JAG-UK/pincer/internal/pipeline"
	"github.com/JAG-UK/pincer/internal/remote"
	"github.com/JAG-UK/pincer/internal/resolver"
	"github.com/JAG-UK/pincer/internal/server"
	"github.com/JAG-UK/pincer/internal/upload"
)

// noopBackend never succeeds a pin, so async pipeline work spawned during
// these tests never mutates the mapping mid-assertion.
type noopBackend struct{}

func (noopBackend) Initialize(ctx context.Context, cred auth.Credential, rpcURL, warmStorage string) (remote.BaseService, error) {
	return nil, fmt.Errorf("remote backend unavailable in test")
}
func (noopBackend) CreateDataset(ctx context.Context, base remote.BaseService, metadata map[string]string) (remote.DatasetHandle, error) {
	return nil, fmt.Errorf("unreachable")
}
func (noopBackend) Pin(ctx context.Context, base remote.BaseService, dataset remote.DatasetHandle, payload []byte, contentID string, metadata map[string]string) (remote.PinReceipt, error) {
	return remote.PinReceipt{}, fmt.Errorf("unreachable")
}
func (noopBackend) Fetch(ctx context.Context, contentID string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("unreachable")
}
func (noopBackend) Teardown(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)

	idx, err := mapping.Load(filepath.Join(t.TempDir(), "mapping.json"))
	require.NoError(t, err)

	mgr := remote.NewManager(noopBackend{}, "", "", "test")
	res := resolver.New(store, mgr)
	uploads := upload.NewTable(store)
	t.Cleanup(uploads.Close)

	log := logrus.New()
	log.SetOutput(io.Discard)

	pl := pipeline.New(mgr, idx, log)
	srv := server.New(log, store, uploads, idx, res, mgr, pl)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func authedRequest(t *testing.T, method, url string, body io.Reader) *http.Request {
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer testcred")
	return req
}

func TestV2BaseRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v2/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
}

func TestV2BaseWithAuth(t *testing.T) {
	ts := newTestServer(t)

	req := authedRequest(t, http.MethodGet, ts.URL+"/v2/", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestBlobUploadRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	startReq := authedRequest(t, http.MethodPost, ts.URL+"/v2/library/test/blobs/uploads/", nil)
	startResp, err := http.DefaultClient.Do(startReq)
	require.NoError(t, err)
	defer startResp.Body.Close()
	require.Equal(t, http.StatusAccepted, startResp.StatusCode)
	assert.Equal(t, "0-0", startResp.Header.Get("Range"))
	assert.NotEmpty(t, startResp.Header.Get("Docker-Upload-UUID"))

	location := startResp.Header.Get("Location")
	require.NotEmpty(t, location)

	content := []byte("hello blob")
	patchReq := authedRequest(t, http.MethodPatch, ts.URL+location, bytesReader(content))
	patchResp, err := http.DefaultClient.Do(patchReq)
	require.NoError(t, err)
	defer patchResp.Body.Close()
	require.Equal(t, http.StatusAccepted, patchResp.StatusCode)
	assert.Equal(t, fmt.Sprintf("0-%d", len(content)-1), patchResp.Header.Get("Range"))

	d := digest.FromBytes(content)
	putURL := fmt.Sprintf("%s%s?digest=%s", ts.URL, location, d)
	putReq := authedRequest(t, http.MethodPut, putURL, nil)
	putResp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	defer putResp.Body.Close()
	require.Equal(t, http.StatusCreated, putResp.StatusCode)
	assert.Equal(t, string(d), putResp.Header.Get("Docker-Content-Digest"))

	getResp, err := http.Get(fmt.Sprintf("%s/v2/library/test/blobs/%s", ts.URL, d))
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	got, err := io.ReadAll(getResp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestBlobUploadDigestMismatch(t *testing.T) {
	ts := newTestServer(t)

	startReq := authedRequest(t, http.MethodPost, ts.URL+"/v2/library/test/blobs/uploads/", nil)
	startResp, err := http.DefaultClient.Do(startReq)
	require.NoError(t, err)
	defer startResp.Body.Close()
	location := startResp.Header.Get("Location")

	content := []byte("hello blob")
	patchReq := authedRequest(t, http.MethodPatch, ts.URL+location, bytesReader(content))
	patchResp, err := http.DefaultClient.Do(patchReq)
	require.NoError(t, err)
	patchResp.Body.Close()

	putURL := fmt.Sprintf("%s%s?digest=sha256:0000000000000000000000000000000000000000000000000000000000000000", ts.URL, location)
	putReq := authedRequest(t, http.MethodPut, putURL, nil)
	putResp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	defer putResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, putResp.StatusCode)
}

func TestBlobUploadEmptyPatchRejected(t *testing.T) {
	ts := newTestServer(t)

	startReq := authedRequest(t, http.MethodPost, ts.URL+"/v2/library/test/blobs/uploads/", nil)
	startResp, err := http.DefaultClient.Do(startReq)
	require.NoError(t, err)
	defer startResp.Body.Close()
	location := startResp.Header.Get("Location")

	patchReq := authedRequest(t, http.MethodPatch, ts.URL+location, bytesReader(nil))
	patchResp, err := http.DefaultClient.Do(patchReq)
	require.NoError(t, err)
	defer patchResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, patchResp.StatusCode)
}

func TestManifestPutAndGetByTagAndDigest(t *testing.T) {
	ts := newTestServer(t)

	manifestBody := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json","layers":[]}`)
	putReq := authedRequest(t, http.MethodPut, ts.URL+"/v2/library/test/manifests/latest", bytesReader(manifestBody))
	putResp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	defer putResp.Body.Close()
	require.Equal(t, http.StatusCreated, putResp.StatusCode)
	manifestDigest := putResp.Header.Get("Docker-Content-Digest")
	require.NotEmpty(t, manifestDigest)

	for _, ref := range []string{"latest", manifestDigest} {
		getResp, err := http.Get(fmt.Sprintf("%s/v2/library/test/manifests/%s", ts.URL, ref))
		require.NoError(t, err)
		defer getResp.Body.Close()
		require.Equal(t, http.StatusOK, getResp.StatusCode)
		assert.Equal(t, "application/vnd.oci.image.manifest.v1+json", getResp.Header.Get("Content-Type"))
		got, err := io.ReadAll(getResp.Body)
		require.NoError(t, err)
		assert.Equal(t, manifestBody, got)
	}
}

func TestManifestGetUnknown(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v2/library/test/manifests/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestManifestPutRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v2/library/test/manifests/latest", bytesReader([]byte(`{}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestManifestPutRejectsEmptyBody(t *testing.T) {
	ts := newTestServer(t)

	req := authedRequest(t, http.MethodPut, ts.URL+"/v2/library/test/manifests/latest", bytesReader(nil))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
