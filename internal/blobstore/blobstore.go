// Package blobstore persists raw bytes by digest on the local filesystem,
// under <root>/blobs/<hex> and <root>/manifests/<hex>. It is the content
// store of last resort: bytes written here never disappear and never
// change, so every mapping record can always be resolved as long as the
// process still has the file.
package blobstore

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/JAG-UK/pincer/internal/digest"
)

// ErrNotFound is returned when a blob or manifest digest is unknown.
var ErrNotFound = errors.New("blobstore: not found")

// Store is the local, content-addressed byte store.
type Store struct {
	root string
}

// New creates a Store rooted at dir, creating the blobs/ and manifests/
// subdirectories if they don't already exist.
func New(dir string) (*Store, error) {
	for _, sub := range []string{"blobs", "manifests"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return &Store{root: dir}, nil
}

func (s *Store) blobPath(d digest.Digest) string {
	return filepath.Join(s.root, "blobs", d.Hex())
}

func (s *Store) manifestPath(d digest.Digest) string {
	return filepath.Join(s.root, "manifests", d.Hex())
}

// PutBlob writes content under digest d. Writes are atomic via a temp file
// plus rename; a second write of the same digest is a harmless no-op since
// the bytes a given digest names never change.
func (s *Store) PutBlob(d digest.Digest, content []byte) error {
	if s.HasBlob(d) {
		return nil
	}
	return atomicWrite(s.blobPath(d), content)
}

// SaveManifest hashes content and writes it verbatim to the manifest store,
// returning the digest. The bytes are never re-serialized: the returned
// digest is exactly what a client computes over the wire body.
func (s *Store) SaveManifest(content []byte) (digest.Digest, error) {
	d := digest.FromBytes(content)
	if err := atomicWrite(s.manifestPath(d), content); err != nil {
		return "", err
	}
	return d, nil
}

// BlobReader opens a streaming reader for the blob named by d.
func (s *Store) BlobReader(d digest.Digest) (io.ReadCloser, error) {
	return open(s.blobPath(d))
}

// ManifestReader opens a streaming reader for the manifest named by d.
func (s *Store) ManifestReader(d digest.Digest) (io.ReadCloser, error) {
	return open(s.manifestPath(d))
}

// HasBlob reports whether a blob with digest d is present locally.
func (s *Store) HasBlob(d digest.Digest) bool {
	_, err := os.Stat(s.blobPath(d))
	return err == nil
}

// HasManifest reports whether a manifest with digest d is present locally.
func (s *Store) HasManifest(d digest.Digest) bool {
	_, err := os.Stat(s.manifestPath(d))
	return err == nil
}

func open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
