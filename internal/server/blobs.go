package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/JAG-UK/pincer/internal/auth"
	"github.com/JAG-UK/pincer/internal/digest"
	"github.com/JAG-UK/pincer/internal/mapping"
	"github.com/JAG-UK/pincer/internal/resolver"
)

// handleBlob dispatches every /v2/*/blobs/... request: plain digest
// GET/HEAD, upload-session POST/PATCH/PUT.
func (s *Server) handleBlob(resp http.ResponseWriter, req *http.Request) *apiError {
	elem := splitPath(req.URL.Path)
	last := len(elem) - 1

	// /v2/*/blobs/<target>: target is either "uploads" (session start) or
	// a digest (fetch by digest).
	if elem[last-1] == "blobs" {
		if elem[last] == "uploads" {
			return s.handleUploadStart(resp, req)
		}
		return s.handleBlobFetch(resp, req, elem)
	}

	// /v2/*/blobs/uploads/<uploadId>: a specific in-progress session.
	return s.handleUploadSession(resp, req, elem[last])
}

func (s *Server) handleBlobFetch(resp http.ResponseWriter, req *http.Request, elem []string) *apiError {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return errBadRequest("unsupported method for blob fetch")
	}

	name, ok := imageName(req.URL.Path, 2)
	if !ok {
		return errNameInvalid("blobs must be attached to a repo")
	}
	target := elem[len(elem)-1]

	d, err := digest.Parse(target)
	if err != nil {
		return errBadRequest("invalid digest: " + target)
	}

	ref, ok := s.mapping.LookupBlob(name, d)
	if !ok {
		return &apiError{Status: http.StatusNotFound, Code: "BLOB_UNKNOWN", Message: "unknown blob"}
	}

	if req.Method == http.MethodHead {
		rc, err := s.resolver.OpenBlob(req.Context(), ref, d)
		if err != nil {
			return blobNotFound(err)
		}
		defer rc.Close()
		resp.Header().Set("Docker-Content-Digest", string(d))
		resp.WriteHeader(http.StatusOK)
		return nil
	}

	rc, err := s.resolver.OpenBlob(req.Context(), ref, d)
	if err != nil {
		return blobNotFound(err)
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return &apiError{Status: http.StatusInternalServerError, Code: "UNKNOWN", Message: err.Error()}
	}

	resp.Header().Set("Content-Type", "application/octet-stream")
	resp.Header().Set("Content-Length", strconv.Itoa(len(content)))
	resp.Header().Set("Docker-Content-Digest", string(d))
	resp.WriteHeader(http.StatusOK)
	_, _ = resp.Write(content)
	return nil
}

func blobNotFound(err error) *apiError {
	if err == resolver.ErrNotFound {
		return &apiError{Status: http.StatusNotFound, Code: "BLOB_UNKNOWN", Message: "unknown blob"}
	}
	return &apiError{Status: http.StatusInternalServerError, Code: "UNKNOWN", Message: err.Error()}
}

func (s *Server) handleUploadStart(resp http.ResponseWriter, req *http.Request) *apiError {
	if req.Method != http.MethodPost {
		return errBadRequest("unsupported method for upload collection")
	}
	if _, ok := auth.FromRequest(req); !ok {
		resp.Header().Set("WWW-Authenticate", `Basic realm="pincer"`)
		return errUnauthorized("authentication required")
	}

	name, ok := imageName(req.URL.Path, 2)
	if !ok {
		return errNameInvalid("blobs must be attached to a repo")
	}

	id := s.uploads.Start(name)

	resp.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, id))
	resp.Header().Set("Docker-Upload-UUID", id)
	resp.Header().Set("Range", "0-0")
	resp.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) handleUploadSession(resp http.ResponseWriter, req *http.Request, uploadID string) *apiError {
	cred, ok := auth.FromRequest(req)
	if !ok {
		resp.Header().Set("WWW-Authenticate", `Basic realm="pincer"`)
		return errUnauthorized("authentication required")
	}

	name, ok := imageName(req.URL.Path, 3)
	if !ok {
		return errNameInvalid("blobs must be attached to a repo")
	}

	switch req.Method {
	case http.MethodPatch:
		return s.handleUploadPatch(resp, req, name, uploadID)
	case http.MethodPut:
		return s.handleUploadPut(resp, req, name, uploadID, cred)
	default:
		return errBadRequest("unsupported method for upload session")
	}
}

func (s *Server) handleUploadPatch(resp http.ResponseWriter, req *http.Request, name, uploadID string) *apiError {
	chunk, err := io.ReadAll(req.Body)
	if err != nil {
		return errBadRequest("failed to read request body")
	}
	if len(chunk) == 0 {
		return errBadRequest("empty PATCH body")
	}

	if err := s.uploads.Append(uploadID, chunk); err != nil {
		return &apiError{Status: http.StatusNotFound, Code: "BLOB_UPLOAD_UNKNOWN", Message: "unknown upload session"}
	}

	sz, err := s.uploads.Size(uploadID)
	if err != nil {
		return &apiError{Status: http.StatusNotFound, Code: "BLOB_UPLOAD_UNKNOWN", Message: "unknown upload session"}
	}

	resp.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, uploadID))
	resp.Header().Set("Docker-Upload-UUID", uploadID)
	resp.Header().Set("Range", fmt.Sprintf("0-%d", sz-1))
	resp.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) handleUploadPut(resp http.ResponseWriter, req *http.Request, name, uploadID string, cred auth.Credential) *apiError {
	digestParam := req.URL.Query().Get("digest")
	if digestParam == "" {
		return errDigestMismatch("digest not specified")
	}
	expected, err := digest.Parse(digestParam)
	if err != nil {
		return errDigestMismatch("invalid digest: " + digestParam)
	}

	if chunk, err := io.ReadAll(req.Body); err == nil && len(chunk) > 0 {
		if err := s.uploads.Append(uploadID, chunk); err != nil {
			return &apiError{Status: http.StatusNotFound, Code: "BLOB_UPLOAD_UNKNOWN", Message: "unknown upload session"}
		}
	}

	actual, content, err := s.uploads.Finalize(uploadID, expected)
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Code: "DIGEST_INVALID", Message: "digest does not match contents"}
	}

	if err := s.mapping.AddBlob(name, actual, mapping.ContentRef(actual)); err != nil {
		return &apiError{Status: http.StatusInternalServerError, Code: "UNKNOWN", Message: err.Error()}
	}

	resp.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", name, actual))
	resp.Header().Set("Docker-Content-Digest", string(actual))
	resp.WriteHeader(http.StatusCreated)

	s.pipeline.PinBlobAsync(name, actual, cred, content)
	return nil
}
