// Package remote implements the per-credential / per-image service cache
// in front of the remote pinning backend. It is deliberately thin: the
// backend itself — wallet, RPC client, proof-of-data-possession, the whole
// blockchain-backed pinning protocol — is an external collaborator reached
// only through the Backend interface below.
package remote

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/JAG-UK/pincer/internal/auth"
)

// BaseService is an opaque, expensive-to-create handle (wallet + RPC
// client) for one credential. The core never looks inside it.
type BaseService any

// DatasetHandle is an opaque handle to a backend dataset: the container
// that collects all pinned content for one image under one billable unit.
type DatasetHandle any

// PinReceipt is returned by a successful pin; Backend implementations may
// embed additional backend-specific fields behind this type.
type PinReceipt struct {
	ID string
}

// Backend is the interface this registry consumes from the remote pinning
// service. The external protocol it fronts — wallet funding,
// proof-of-data-possession, payment rails — lives entirely on the other
// side of this interface.
type Backend interface {
	Initialize(ctx context.Context, cred auth.Credential, rpcURL, warmStorage string) (BaseService, error)
	CreateDataset(ctx context.Context, base BaseService, metadata map[string]string) (DatasetHandle, error)
	Pin(ctx context.Context, base BaseService, dataset DatasetHandle, payload []byte, contentID string, metadata map[string]string) (PinReceipt, error)
	Fetch(ctx context.Context, contentID string) (io.ReadCloser, error)
	Teardown(ctx context.Context) error
}

// ImageService wraps a base service together with the dataset provisioned
// for one specific image, so every blob and manifest of that image lands
// in the same billable, lifecycle-bound dataset.
type ImageService struct {
	backend Backend
	base    BaseService
	dataset DatasetHandle
}

// Pin hands payload to the backend, pinned into this image's dataset.
func (s *ImageService) Pin(ctx context.Context, payload []byte, contentID string, metadata map[string]string) (PinReceipt, error) {
	return s.backend.Pin(ctx, s.base, s.dataset, payload, contentID, metadata)
}

type imageKey struct {
	cred  auth.Credential
	image string
}

func (k imageKey) String() string { return fmt.Sprintf("%s\x00%s", k.cred, k.image) }

// Manager is the two-level (credential) / (credential, image) cache.
// Entries, once created, are immutable handles; the manager's own mutexes
// only ever guard cache population, never calls into the backend after an
// entry has been returned to a caller.
type Manager struct {
	backend        Backend
	rpcURL         string
	warmStorage    string
	registryName   string

	mu    sync.Mutex
	bases map[auth.Credential]BaseService

	imgMu  sync.Mutex
	images map[imageKey]*ImageService

	// sf de-duplicates concurrent first-pushes to the same (credential,
	// image): without it, two goroutines racing ServiceFor for a brand
	// new image would each create and orphan a dataset at the backend.
	sf singleflight.Group
}

// NewManager constructs a Manager. registryName is embedded in every
// dataset's metadata as the "source" field.
func NewManager(backend Backend, rpcURL, warmStorage, registryName string) *Manager {
	return &Manager{
		backend:      backend,
		rpcURL:       rpcURL,
		warmStorage:  warmStorage,
		registryName: registryName,
		bases:        map[auth.Credential]BaseService{},
		images:       map[imageKey]*ImageService{},
	}
}

// ServiceFor returns the cached ImageService for (cred, image), lazily
// creating the backing base service and dataset on first use.
func (m *Manager) ServiceFor(ctx context.Context, cred auth.Credential, image string) (*ImageService, error) {
	key := imageKey{cred: cred, image: image}

	m.imgMu.Lock()
	if svc, ok := m.images[key]; ok {
		m.imgMu.Unlock()
		return svc, nil
	}
	m.imgMu.Unlock()

	v, err, _ := m.sf.Do(key.String(), func() (interface{}, error) {
		m.imgMu.Lock()
		if svc, ok := m.images[key]; ok {
			m.imgMu.Unlock()
			return svc, nil
		}
		m.imgMu.Unlock()

		base, err := m.baseServiceFor(ctx, cred)
		if err != nil {
			return nil, err
		}

		dataset, err := m.backend.CreateDataset(ctx, base, map[string]string{
			"type":      "oci-image",
			"imageName": image,
			"source":    m.registryName,
		})
		if err != nil {
			return nil, err
		}

		svc := &ImageService{backend: m.backend, base: base, dataset: dataset}
		m.imgMu.Lock()
		m.images[key] = svc
		m.imgMu.Unlock()
		return svc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ImageService), nil
}

func (m *Manager) baseServiceFor(ctx context.Context, cred auth.Credential) (BaseService, error) {
	m.mu.Lock()
	if b, ok := m.bases[cred]; ok {
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()

	base, err := m.backend.Initialize(ctx, cred, m.rpcURL, m.warmStorage)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.bases[cred] = base
	m.mu.Unlock()
	return base, nil
}

// Fetch reaches the backend's HTTP gateway directly; it needs no
// credential or dataset, only the content identifier.
func (m *Manager) Fetch(ctx context.Context, contentID string) (io.ReadCloser, error) {
	return m.backend.Fetch(ctx, contentID)
}

// Shutdown drains both caches and tears down the backend. In-flight pins
// may be lost; this is accepted loss since pushes are idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.bases = map[auth.Credential]BaseService{}
	m.mu.Unlock()

	m.imgMu.Lock()
	m.images = map[imageKey]*ImageService{}
	m.imgMu.Unlock()

	return m.backend.Teardown(ctx)
}
