package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/JAG-UK/pincer/internal/auth"
	"github.com/JAG-UK/pincer/internal/digest"
	manifestpkg "github.com/JAG-UK/pincer/internal/manifest"
	"github.com/JAG-UK/pincer/internal/mapping"
	"github.com/JAG-UK/pincer/internal/resolver"
)

// handleManifest dispatches every /v2/*/manifests/<ref> request.
func (s *Server) handleManifest(resp http.ResponseWriter, req *http.Request) *apiError {
	name, ok := imageName(req.URL.Path, 2)
	if !ok {
		return errNameInvalid("manifests must be attached to a repo")
	}
	elem := splitPath(req.URL.Path)
	reference := elem[len(elem)-1]

	switch req.Method {
	case http.MethodHead:
		return s.handleManifestHead(resp, req, name, reference)
	case http.MethodGet:
		return s.handleManifestGet(resp, req, name, reference)
	case http.MethodPut:
		return s.handleManifestPut(resp, req, name, reference)
	default:
		return errBadRequest("unsupported method for manifests")
	}
}

func (s *Server) handleManifestHead(resp http.ResponseWriter, req *http.Request, name, reference string) *apiError {
	ref, fallback, ok := s.mapping.LookupManifestWithFallback(name, reference)
	if !ok {
		return &apiError{Status: http.StatusNotFound, Code: "MANIFEST_UNKNOWN", Message: "unknown manifest"}
	}

	digestHeader := string(ref)
	if !ref.IsLocal() && fallback != "" {
		digestHeader = string(fallback)
	}

	resp.Header().Set("Docker-Content-Digest", digestHeader)
	resp.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) handleManifestGet(resp http.ResponseWriter, req *http.Request, name, reference string) *apiError {
	ref, fallback, ok := s.mapping.LookupManifestWithFallback(name, reference)
	if !ok {
		return &apiError{Status: http.StatusNotFound, Code: "MANIFEST_UNKNOWN", Message: "unknown manifest"}
	}

	rc, err := s.resolver.OpenManifest(req.Context(), ref, fallback)
	if err != nil {
		if err == resolver.ErrNotFound {
			return &apiError{Status: http.StatusNotFound, Code: "MANIFEST_UNKNOWN", Message: "unknown manifest"}
		}
		return &apiError{Status: http.StatusInternalServerError, Code: "UNKNOWN", Message: err.Error()}
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		return &apiError{Status: http.StatusInternalServerError, Code: "UNKNOWN", Message: err.Error()}
	}

	parsed, err := manifestpkg.Parse(body)
	if err != nil {
		return &apiError{Status: http.StatusInternalServerError, Code: "MANIFEST_INVALID", Message: "stored manifest is not valid JSON"}
	}

	resp.Header().Set("Content-Type", parsed.ContentType())
	resp.Header().Set("Content-Length", strconv.Itoa(len(body)))
	resp.Header().Set("Docker-Content-Digest", string(digest.FromBytes(body)))
	resp.WriteHeader(http.StatusOK)
	_, _ = resp.Write(body)
	return nil
}

func (s *Server) handleManifestPut(resp http.ResponseWriter, req *http.Request, name, reference string) *apiError {
	cred, ok := auth.FromRequest(req)
	if !ok {
		resp.Header().Set("WWW-Authenticate", `Basic realm="pincer"`)
		return errUnauthorized("authentication required")
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return errBadRequest("failed to read request body")
	}
	if len(body) == 0 {
		return errBadRequest("empty manifest body")
	}

	parsed, err := manifestpkg.Parse(body)
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Code: "MANIFEST_INVALID", Message: "manifest is not valid JSON"}
	}

	manifestDigest, err := s.store.SaveManifest(body)
	if err != nil {
		return &apiError{Status: http.StatusInternalServerError, Code: "UNKNOWN", Message: err.Error()}
	}

	blobMap := map[digest.Digest]mapping.ContentRef{}
	for _, layerDigest := range parsed.Layers {
		if ref, ok := s.mapping.LookupBlob(name, layerDigest); ok {
			blobMap[layerDigest] = ref
		}
	}

	references := []string{reference}
	if err := s.mapping.AddManifest(name, reference, mapping.ContentRef(manifestDigest), blobMap); err != nil {
		return &apiError{Status: http.StatusInternalServerError, Code: "UNKNOWN", Message: err.Error()}
	}
	if reference != string(manifestDigest) {
		if err := s.mapping.AddManifest(name, string(manifestDigest), mapping.ContentRef(manifestDigest), blobMap); err != nil {
			return &apiError{Status: http.StatusInternalServerError, Code: "UNKNOWN", Message: err.Error()}
		}
		references = append(references, string(manifestDigest))
	}

	resp.Header().Set("Docker-Content-Digest", string(manifestDigest))
	resp.WriteHeader(http.StatusCreated)

	s.pipeline.PinManifestAsync(name, references, manifestDigest, cred, body)
	return nil
}
