// Package mapping implements the durable JSON index from OCI coordinates
// (image, reference) and (image, digest) to a contentRef — either a local
// digest or a remote content identifier.
//
// The on-disk shape is deliberately heterogeneous (bare string or object,
// direct key or nested fallback). Rather than model every shape with typed
// structs, the index keeps the decoded document as a generic JSON tree
// (map[string]interface{}) and exposes only the narrow lookup/mutation
// operations below — callers never see the tree itself, so the
// heterogeneity is contained entirely inside this package.
package mapping

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JAG-UK/pincer/internal/digest"
)

// ContentRef is a flat string distinguished by the sha256: prefix: a
// digest.Digest names local content, anything else is a remote content
// identifier.
type ContentRef string

// IsLocal reports whether r names a local blob/manifest rather than a
// remote content identifier.
func (r ContentRef) IsLocal() bool { return digest.IsDigest(string(r)) }

// Index is the durable, concurrency-safe mapping index.
type Index struct {
	path string

	mu   sync.Mutex
	tree map[string]interface{}
}

// Load reads the mapping file at path, or starts from an empty document if
// it doesn't exist yet. A malformed existing file is a fatal condition for
// the caller to decide how to handle.
func Load(path string) (*Index, error) {
	idx := &Index{path: path, tree: map[string]interface{}{}}

	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return idx, nil
	}
	if err := json.Unmarshal(b, &idx.tree); err != nil {
		return nil, err
	}
	return idx, nil
}

func manifestKey(image, reference string) string { return image + ":" + reference }

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

// manifestCID extracts the contentRef from a manifest mapping value,
// whichever of the two recognized shapes (bare string or {manifest_cid,
// blobs}) it was stored as.
func manifestCID(v interface{}) (ContentRef, bool) {
	if s, ok := asString(v); ok {
		return ContentRef(s), true
	}
	if obj, ok := asObject(v); ok {
		if mc, ok := asString(obj["manifest_cid"]); ok {
			return ContentRef(mc), true
		}
	}
	return "", false
}

// manifestCIDAndFallback is like manifestCID but also returns the stable
// local digest a resolver should fall back to if a remote manifest_cid is
// unreachable. For the bare-string shape the contentRef itself is the
// fallback (that shape is only ever written while the entry is still
// local). For the object shape it is the "digest" field, which PinManifestAsync
// never rewrites — unlike manifest_cid, which does get swapped to the
// remote content-id once the pin completes.
func manifestCIDAndFallback(v interface{}) (cref ContentRef, fallback digest.Digest, ok bool) {
	if s, ok := asString(v); ok {
		return ContentRef(s), digest.Digest(s), true
	}
	if obj, ok := asObject(v); ok {
		mc, ok := asString(obj["manifest_cid"])
		if !ok {
			return "", "", false
		}
		fb, _ := asString(obj["digest"])
		return ContentRef(mc), digest.Digest(fb), true
	}
	return "", "", false
}

// LookupManifest resolves (image, reference) to a contentRef, preferring
// the direct "<image>:<reference>" key over the nested mappings[image][reference]
// fallback, and falling back to a linear scan over "<image>:*" keys when
// reference is itself a digest.
func (idx *Index) LookupManifest(image, reference string) (ContentRef, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if v, ok := idx.tree[manifestKey(image, reference)]; ok {
		if cref, ok := manifestCID(v); ok {
			return cref, true
		}
	}

	if imgVal, ok := idx.tree[image]; ok {
		if imgObj, ok := asObject(imgVal); ok {
			if refVal, ok := imgObj[reference]; ok {
				if cref, ok := manifestCID(refVal); ok {
					return cref, true
				}
			}
		}
	}

	if digest.IsDigest(reference) {
		prefix := image + ":"
		for k, v := range idx.tree {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			if cref, ok := manifestCID(v); ok && string(cref) == reference {
				return cref, true
			}
		}
	}

	return "", false
}

// LookupManifestWithFallback is LookupManifest plus the stable local digest
// to fall back to if the resolved contentRef is remote and unreachable.
func (idx *Index) LookupManifestWithFallback(image, reference string) (ContentRef, digest.Digest, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if v, ok := idx.tree[manifestKey(image, reference)]; ok {
		if cref, fb, ok := manifestCIDAndFallback(v); ok {
			return cref, fb, true
		}
	}

	if imgVal, ok := idx.tree[image]; ok {
		if imgObj, ok := asObject(imgVal); ok {
			if refVal, ok := imgObj[reference]; ok {
				if cref, fb, ok := manifestCIDAndFallback(refVal); ok {
					return cref, fb, true
				}
			}
		}
	}

	if digest.IsDigest(reference) {
		prefix := image + ":"
		for k, v := range idx.tree {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			if cref, fb, ok := manifestCIDAndFallback(v); ok && string(cref) == reference {
				return cref, fb, true
			}
		}
	}

	return "", "", false
}

// LookupBlob resolves (image, digest) to a contentRef via the per-image
// blobs table (tree[image].blobs[d]), falling back to the global blob pool
// (tree["blobs"][d]).
func (idx *Index) LookupBlob(image string, d digest.Digest) (ContentRef, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if imgVal, ok := idx.tree[image]; ok {
		if imgObj, ok := asObject(imgVal); ok {
			if blobsObj, ok := asObject(imgObj["blobs"]); ok {
				if s, ok := asString(blobsObj[string(d)]); ok {
					return ContentRef(s), true
				}
			}
		}
	}

	if globalObj, ok := asObject(idx.tree["blobs"]); ok {
		if s, ok := asString(globalObj[string(d)]); ok {
			return ContentRef(s), true
		}
	}

	return "", false
}

// AddManifest records (image, reference) -> contentRef, embedding blobMap
// (the layer digests this manifest references, each resolved against the
// mapping at PUT time) when non-empty. contentRef is also the manifest's
// local digest at write time; the object shape additionally stores it
// under "digest" so a later pin-rewrite (which only ever touches
// manifest_cid) still leaves a local fallback available to the resolver.
func (idx *Index) AddManifest(image, reference string, contentRef ContentRef, blobMap map[digest.Digest]ContentRef) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(blobMap) == 0 {
		idx.tree[manifestKey(image, reference)] = string(contentRef)
	} else {
		blobs := make(map[string]interface{}, len(blobMap))
		for d, c := range blobMap {
			blobs[string(d)] = string(c)
		}
		idx.tree[manifestKey(image, reference)] = map[string]interface{}{
			"manifest_cid": string(contentRef),
			"digest":       string(contentRef),
			"blobs":        blobs,
		}
	}
	return idx.persistLocked()
}


// AddBlob records (image, digest) -> contentRef in the per-image blobs
// table, preserving any other fields already present under "<image>".
func (idx *Index) AddBlob(image string, d digest.Digest, contentRef ContentRef) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	imgObj := idx.ensureImageObjectLocked(image)
	blobsObj := ensureBlobsObject(imgObj)
	blobsObj[string(d)] = string(contentRef)

	return idx.persistLocked()
}

// RewriteManifestContentRef atomically swaps a manifest mapping entry's
// manifest_cid from a local digest to a remote content-id once the async
// pin completes. It only rewrites the object shape (manifest_cid + digest
// + blobs): a bare-string entry IS the local digest with no parallel
// "digest" field to fall back to, so rewriting it would permanently strand
// any future lookup that needs the local digest. Bare-string entries are
// therefore left local-only indefinitely — still correct, just never
// promoted to the remote content-id.
func (idx *Index) RewriteManifestContentRef(image, reference string, contentRef ContentRef) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := manifestKey(image, reference)
	v, ok := idx.tree[key]
	if !ok {
		return nil
	}
	obj, ok := asObject(v)
	if !ok {
		return nil
	}
	obj["manifest_cid"] = string(contentRef)
	return idx.persistLocked()
}

// RewriteBlobContentRef atomically swaps a blob mapping entry's contentRef
// from a local digest to a remote content-id once the async pin completes.
func (idx *Index) RewriteBlobContentRef(image string, d digest.Digest, contentRef ContentRef) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	imgObj := idx.ensureImageObjectLocked(image)
	blobsObj := ensureBlobsObject(imgObj)
	if _, ok := blobsObj[string(d)]; !ok {
		return nil
	}
	blobsObj[string(d)] = string(contentRef)
	return idx.persistLocked()
}

// Mutate grants fn exclusive, short-lived access to the in-memory tree and
// persists whatever changes fn makes. The tree is never exposed outside a
// Mutate call.
func (idx *Index) Mutate(fn func(tree map[string]interface{})) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	fn(idx.tree)
	return idx.persistLocked()
}

func (idx *Index) ensureImageObjectLocked(image string) map[string]interface{} {
	existing, ok := idx.tree[image]
	if ok {
		if obj, ok := asObject(existing); ok {
			return obj
		}
	}
	obj := map[string]interface{}{}
	idx.tree[image] = obj
	return obj
}

func ensureBlobsObject(imgObj map[string]interface{}) map[string]interface{} {
	existing, ok := imgObj["blobs"]
	if ok {
		if obj, ok := asObject(existing); ok {
			return obj
		}
	}
	obj := map[string]interface{}{}
	imgObj["blobs"] = obj
	return obj
}

func (idx *Index) persistLocked() error {
	b, err := json.MarshalIndent(idx.tree, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(idx.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(dir, ".mapping-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, idx.path)
}
