// Package server implements the OCI Distribution v2 HTTP surface: the
// endpoint table that drives the push/pull state machine across the local
// store, the mapping index, the resolver, and the async pin pipeline.
// Routing is manual path-segment inspection rather than a router library.
package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/JAG-UK/pincer/internal/auth"
	"github.com/JAG-UK/pincer/internal/blobstore"
	"github.com/JAG-UK/pincer/internal/mapping"
	"github.com/JAG-UK/pincer/internal/pipeline"
	"github.com/JAG-UK/pincer/internal/remote"
	"github.com/JAG-UK/pincer/internal/resolver"
	"github.com/JAG-UK/pincer/internal/upload"
)

// Server is the registry's top-level HTTP handler, holding every component
// a request might need to touch.
type Server struct {
	log      *logrus.Logger
	store    *blobstore.Store
	uploads  *upload.Table
	mapping  *mapping.Index
	resolver *resolver.Resolver
	remote   *remote.Manager
	pipeline *pipeline.Pipeline
}

// New constructs a Server over the given components.
func New(
	log *logrus.Logger,
	store *blobstore.Store,
	uploads *upload.Table,
	idx *mapping.Index,
	res *resolver.Resolver,
	mgr *remote.Manager,
	pl *pipeline.Pipeline,
) *Server {
	return &Server{
		log:      log,
		store:    store,
		uploads:  uploads,
		mapping:  idx,
		resolver: res,
		remote:   mgr,
		pipeline: pl,
	}
}

// ServeHTTP dispatches every inbound request, logging the outcome: one
// line per request, error detail only on failure.
func (s *Server) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	if rerr := s.route(resp, req); rerr != nil {
		s.log.WithFields(logrus.Fields{
			"method": req.Method,
			"path":   req.URL.Path,
			"status": rerr.Status,
			"code":   rerr.Code,
		}).Warn(rerr.Message)
		rerr.Write(resp)
		return
	}
	s.log.WithFields(logrus.Fields{"method": req.Method, "path": req.URL.Path}).Debug("handled")
}

func (s *Server) route(resp http.ResponseWriter, req *http.Request) *apiError {
	if req.URL.Path == "/health" {
		return s.handleHealth(resp, req)
	}
	if isBlobPath(req.URL.Path) {
		return s.handleBlob(resp, req)
	}
	if isManifestPath(req.URL.Path) {
		return s.handleManifest(resp, req)
	}
	if req.URL.Path == "/v2/" || req.URL.Path == "/v2" {
		return s.handleBase(resp, req)
	}
	return errNotFound("unknown route")
}

func (s *Server) handleHealth(resp http.ResponseWriter, _ *http.Request) *apiError {
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(resp).Encode(map[string]string{"status": "healthy"})
	return nil
}

// handleBase implements the GET/HEAD /v2/ auth probe: docker issues this
// request first to discover whether the registry needs credentials and to
// check protocol support.
func (s *Server) handleBase(resp http.ResponseWriter, req *http.Request) *apiError {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return errBadRequest("unsupported method for /v2/")
	}
	if _, ok := auth.FromRequest(req); !ok {
		resp.Header().Set("WWW-Authenticate", `Basic realm="pincer"`)
		return errUnauthorized("authentication required")
	}
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(resp).Encode(map[string]string{"version": "2.0"})
	return nil
}

// isBlobPath decides blob-ness from the trailing path segments, not the
// leading ones, since the image name itself may contain slashes.
func isBlobPath(p string) bool {
	elem := splitPath(p)
	if len(elem) < 3 {
		return false
	}
	last := len(elem) - 1
	if elem[last-1] == "blobs" {
		return true
	}
	return last >= 2 && elem[last-2] == "blobs" && elem[last-1] == "uploads"
}

func isManifestPath(p string) bool {
	elem := splitPath(p)
	if len(elem) < 3 {
		return false
	}
	return elem[len(elem)-2] == "manifests"
}

func splitPath(p string) []string {
	elem := strings.Split(p, "/")
	elem = elem[1:] // drop leading "" before the first slash
	if len(elem) > 0 && elem[len(elem)-1] == "" {
		elem = elem[:len(elem)-1]
	}
	return elem
}

// imageName extracts the name segment between "/v2/" and the next fixed
// segment (manifests, blobs, or blobs/uploads). It may itself contain
// slashes.
func imageName(p string, fixedFromEnd int) (string, bool) {
	elem := splitPath(p)
	if len(elem) < 1 || elem[0] != "v2" {
		return "", false
	}
	end := len(elem) - fixedFromEnd
	if end <= 1 {
		return "", false
	}
	return strings.Join(elem[1:end], "/"), true
}
