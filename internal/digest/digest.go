// Package digest provides the canonical sha256:<hex> content digest used
// throughout the registry to name blobs and manifests.
package digest

import (
	"errors"
	"io"
	"strings"

	godigest "github.com/opencontainers/go-digest"
)

// ErrInvalidDigest is returned when a string does not parse as a canonical digest.
var ErrInvalidDigest = errors.New("digest: invalid digest string")

// Digest is a canonical sha256:<hex> content digest. The zero value is invalid.
type Digest string

// Algorithm is the only digest algorithm this registry accepts.
const Algorithm = "sha256"

// FromBytes computes the canonical digest of b. Equal bytes always produce
// equal digests; this is the only way a Digest should be constructed from
// content.
func FromBytes(b []byte) Digest {
	return Digest(godigest.Canonical.FromBytes(b).String())
}

// FromReader streams r to compute its digest without buffering the whole
// content in memory.
func FromReader(r io.Reader) (Digest, error) {
	d, err := godigest.Canonical.FromReader(r)
	if err != nil {
		return "", err
	}
	return Digest(d.String()), nil
}

// Parse validates s as a canonical sha256 digest string and normalizes the
// hex portion to lowercase.
func Parse(s string) (Digest, error) {
	d, err := godigest.Parse(strings.ToLower(s))
	if err != nil {
		return "", ErrInvalidDigest
	}
	if d.Algorithm().String() != Algorithm {
		return "", ErrInvalidDigest
	}
	return Digest(d.String()), nil
}

// IsDigest reports whether s has the sha256: prefix that distinguishes a
// digest-shaped reference/contentRef from everything else (tags, CIDs).
func IsDigest(s string) bool {
	return strings.HasPrefix(s, Algorithm+":")
}

// String implements fmt.Stringer.
func (d Digest) String() string { return string(d) }

// Hex returns the hex portion of the digest, used as the on-disk file name.
func (d Digest) Hex() string {
	_, hex, ok := strings.Cut(string(d), ":")
	if !ok {
		return string(d)
	}
	return hex
}

// Validate reports whether d is a well-formed canonical digest.
func (d Digest) Validate() error {
	_, err := godigest.Parse(string(d))
	return err
}
