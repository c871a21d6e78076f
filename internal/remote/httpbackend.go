package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JAG-UK/pincer/internal/auth"
)

// HTTPBackend is the default Backend: a thin JSON/HTTP client against the
// remote pinning service's RPC endpoint and content gateway. The pinning
// protocol itself (wallet custody, proof-of-data-possession, payment rails)
// is explicitly out of scope for this registry — no such client exists
// anywhere in the retrieved corpus, so this wrapper is built directly on
// net/http rather than grounded on a third-party RPC library.
type HTTPBackend struct {
	client     *http.Client
	gatewayURL string
}

// NewHTTPBackend constructs an HTTPBackend with a bounded per-call timeout.
// gatewayURL is the base URL content is fetched from by content identifier
// (e.g. a public /ipfs/<cid> gateway); it needs no credential.
func NewHTTPBackend(gatewayURL string) *HTTPBackend {
	return &HTTPBackend{client: &http.Client{Timeout: 30 * time.Second}, gatewayURL: gatewayURL}
}

type httpBaseService struct {
	cred        auth.Credential
	rpcURL      string
	warmStorage string
}

type httpDataset struct {
	id string
}

// Initialize records the credential and endpoint the backend will use for
// every subsequent call on this base service. No handshake is performed
// eagerly — wallet/RPC bootstrapping happens lazily on first dataset
// creation.
func (b *HTTPBackend) Initialize(ctx context.Context, cred auth.Credential, rpcURL, warmStorage string) (BaseService, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("remote: RPC_URL not configured")
	}
	return &httpBaseService{cred: cred, rpcURL: rpcURL, warmStorage: warmStorage}, nil
}

// CreateDataset asks the backend's RPC endpoint to provision a dataset and
// returns the handle it assigns.
func (b *HTTPBackend) CreateDataset(ctx context.Context, base BaseService, metadata map[string]string) (DatasetHandle, error) {
	bs, ok := base.(*httpBaseService)
	if !ok {
		return nil, fmt.Errorf("remote: unexpected base service type")
	}

	var resp struct {
		DatasetID string `json:"datasetId"`
	}
	if err := b.doJSON(ctx, bs, "POST", "/datasets", map[string]interface{}{
		"metadata": metadata,
	}, &resp); err != nil {
		return nil, err
	}
	return &httpDataset{id: resp.DatasetID}, nil
}

// Pin uploads payload to the dataset, tagged with contentID and metadata.
func (b *HTTPBackend) Pin(ctx context.Context, base BaseService, dataset DatasetHandle, payload []byte, contentID string, metadata map[string]string) (PinReceipt, error) {
	bs, ok := base.(*httpBaseService)
	if !ok {
		return PinReceipt{}, fmt.Errorf("remote: unexpected base service type")
	}
	ds, ok := dataset.(*httpDataset)
	if !ok {
		return PinReceipt{}, fmt.Errorf("remote: unexpected dataset handle type")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		bs.rpcURL+"/datasets/"+ds.id+"/pin?contentId="+contentID, bytes.NewReader(payload))
	if err != nil {
		return PinReceipt{}, err
	}
	req.Header.Set("Content-Type", "application/vnd.ipld.car")
	for k, v := range metadata {
		req.Header.Set("X-Pincer-"+k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return PinReceipt{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return PinReceipt{}, fmt.Errorf("remote: pin failed: %s: %s", resp.Status, string(body))
	}

	var out struct {
		ReceiptID string `json:"receiptId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PinReceipt{}, err
	}
	return PinReceipt{ID: out.ReceiptID}, nil
}

// Fetch streams contentID from the backend's public content gateway. This
// call needs neither credential nor dataset: content addressed by CID is
// retrievable by anyone who has it.
func (b *HTTPBackend) Fetch(ctx context.Context, contentID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.gatewayURL+"/ipfs/"+contentID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, fmt.Errorf("remote: fetch failed: %s", resp.Status)
	}
	return resp.Body, nil
}

// Teardown closes idle connections; in-flight pins are abandoned as an
// accepted loss on shutdown.
func (b *HTTPBackend) Teardown(ctx context.Context) error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *HTTPBackend) doJSON(ctx context.Context, bs *httpBaseService, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, bs.rpcURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+string(bs.cred))

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("remote: %s %s failed: %s: %s", method, path, resp.Status, string(errBody))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
