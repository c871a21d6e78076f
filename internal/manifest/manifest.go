// Package manifest extracts the layer digest list and content-type hints
// from a Docker v2 schema-2 or OCI image manifest, without re-serializing
// the document — callers that need byte fidelity keep the original bytes
// separately.
package manifest

import (
	"encoding/json"
	"errors"

	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/JAG-UK/pincer/internal/digest"
)

// ErrBadManifest is returned when the body is not valid JSON.
var ErrBadManifest = errors.New("manifest: invalid JSON")

const (
	MediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeOCIManifest    = ispec.MediaTypeImageManifest
)

// legacyManifest covers the schema-1 fsLayers shape, which predates the
// layers[] field both OCI and Docker v2 schema-2 share. Each entry's
// digest field is read, or its blobSum field when digest is absent.
type legacyManifest struct {
	FSLayers []struct {
		Digest  string `json:"digest"`
		BlobSum string `json:"blobSum"`
	} `json:"fsLayers"`
}

// probe is parsed first to decide which shape governs and to read
// mediaType/schemaVersion for content-type resolution.
type probe struct {
	MediaType     string `json:"mediaType"`
	SchemaVersion int    `json:"schemaVersion"`
	Layers        []ispec.Descriptor `json:"layers"`
}

// Parsed is the information the HTTP surface needs out of a manifest body.
type Parsed struct {
	MediaType     string
	SchemaVersion int
	Layers        []digest.Digest
}

// Parse extracts the layer digest list and content-type hints from body.
// Unknown fields are ignored; the caller is responsible for persisting body
// verbatim rather than re-emitting this struct, since clients compute
// their own digest over the exact bytes they uploaded.
func Parse(body []byte) (Parsed, error) {
	var p probe
	if err := json.Unmarshal(body, &p); err != nil {
		return Parsed{}, ErrBadManifest
	}

	out := Parsed{MediaType: p.MediaType, SchemaVersion: p.SchemaVersion}

	if len(p.Layers) > 0 {
		out.Layers = make([]digest.Digest, 0, len(p.Layers))
		for _, l := range p.Layers {
			if l.Digest == "" {
				continue
			}
			out.Layers = append(out.Layers, digest.Digest(l.Digest.String()))
		}
		return out, nil
	}

	var legacy legacyManifest
	if err := json.Unmarshal(body, &legacy); err != nil {
		return Parsed{}, ErrBadManifest
	}
	for _, l := range legacy.FSLayers {
		d := l.Digest
		if d == "" {
			d = l.BlobSum
		}
		if d == "" {
			continue
		}
		out.Layers = append(out.Layers, digest.Digest(d))
	}
	return out, nil
}

// ContentType resolves the Content-Type header for a manifest GET: declared
// mediaType first, else schemaVersion==2 implies the Docker v2 media type,
// else the OCI media type.
func (p Parsed) ContentType() string {
	if p.MediaType != "" {
		return p.MediaType
	}
	if p.SchemaVersion == 2 {
		return MediaTypeDockerManifest
	}
	return MediaTypeOCIManifest
}
