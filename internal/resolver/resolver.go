// Package resolver is the single place that dispatches a mapping contentRef
// to actual bytes: local store if the ref is digest-shaped, remote fetch
// with local fallback otherwise. Callers never branch on the shape of a
// contentRef themselves.
package resolver

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/JAG-UK/pincer/internal/blobstore"
	"github.com/JAG-UK/pincer/internal/digest"
	"github.com/JAG-UK/pincer/internal/mapping"
	"github.com/JAG-UK/pincer/internal/remote"
)

// ErrNotFound is returned when neither the remote nor the local fallback
// has the requested content.
var ErrNotFound = errors.New("resolver: not found")

// remoteFetchTimeout bounds how long a remote fetch is allowed to block
// before the resolver falls back to the local store.
const remoteFetchTimeout = 10 * time.Second

// Resolver centralizes the local-first-while-remote-pin-is-propagating
// policy: a contentRef that already names local bytes is served straight
// from disk, while a remote contentRef is fetched with a bounded timeout
// and a fallback to the local copy if the remote side is unreachable.
type Resolver struct {
	store  *blobstore.Store
	remote *remote.Manager
}

// New constructs a Resolver over the given local store and remote manager.
func New(store *blobstore.Store, mgr *remote.Manager) *Resolver {
	return &Resolver{store: store, remote: mgr}
}

// OpenBlob resolves a blob contentRef to a reader.
func (r *Resolver) OpenBlob(ctx context.Context, ref mapping.ContentRef, fallback digest.Digest) (io.ReadCloser, error) {
	return r.open(ctx, ref, fallback, r.store.BlobReader, r.store.HasBlob)
}

// OpenManifest resolves a manifest contentRef to a reader.
func (r *Resolver) OpenManifest(ctx context.Context, ref mapping.ContentRef, fallback digest.Digest) (io.ReadCloser, error) {
	return r.open(ctx, ref, fallback, r.store.ManifestReader, r.store.HasManifest)
}

func (r *Resolver) open(
	ctx context.Context,
	ref mapping.ContentRef,
	fallback digest.Digest,
	openLocal func(digest.Digest) (io.ReadCloser, error),
	hasLocal func(digest.Digest) bool,
) (io.ReadCloser, error) {
	if ref.IsLocal() {
		rc, err := openLocal(digest.Digest(ref))
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return rc, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, remoteFetchTimeout)

	rc, err := r.remote.Fetch(fetchCtx, string(ref))
	if err == nil {
		return &cancelOnClose{ReadCloser: rc, cancel: cancel}, nil
	}
	cancel()

	if fallback != "" && hasLocal(fallback) {
		return openLocal(fallback)
	}
	return nil, ErrNotFound
}

// cancelOnClose ties a context's lifetime to the reader built from it: the
// caller reads the body long after open returns, so the cancellation can
// only happen once that reading is done.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
