// Package auth extracts a private-key credential from an inbound
// Authorization header. It performs no signing and no verification — the
// extracted key is an opaque identifier handed to the remote backend and
// used as a cache key for per-credential remote service state.
package auth

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// Credential is a normalized private-key string (0x-prefixed hex, or
// whatever opaque value the client sent as a Bearer token/Basic password).
type Credential string

// FromRequest extracts a Credential from req's Authorization header. It
// returns ok=false when the header is absent or doesn't parse as Basic or
// Bearer.
func FromRequest(req *http.Request) (Credential, bool) {
	return FromHeader(req.Header.Get("Authorization"))
}

// FromHeader is the header-value-only form of FromRequest, split out for
// easy unit testing.
func FromHeader(header string) (Credential, bool) {
	if header == "" {
		return "", false
	}

	scheme, value, ok := strings.Cut(header, " ")
	if !ok {
		return "", false
	}

	switch strings.ToLower(scheme) {
	case "basic":
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return "", false
		}
		user, pass, found := strings.Cut(string(decoded), ":")
		key := pass
		if !found || pass == "" {
			key = string(decoded)
		}
		_ = user
		return normalize(key), true

	case "bearer":
		if value == "" {
			return "", false
		}
		return normalize(value), true

	default:
		return "", false
	}
}

// normalize trims whitespace and ensures the 0x hex prefix every private
// key is expected to carry.
func normalize(key string) Credential {
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, "0x") {
		key = "0x" + key
	}
	return Credential(key)
}
