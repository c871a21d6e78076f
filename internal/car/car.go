// Package car wraps raw bytes as a single-block, single-root CARv1
// content-addressed archive. The packed payload and its content identifier
// are what gets handed to the remote pinning backend.
//
// Packing is pure and synchronous: any failure here is a programmer error
// (ErrPack), never a transient condition to retry.
package car

import (
	"bytes"
	"errors"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"
)

// ErrPack indicates packing failed — always a programmer error (bad input
// to the hashing primitives), never surfaced to HTTP clients.
var ErrPack = errors.New("car: failed to pack payload")

// Packed is the result of Pack: the CARv1 bytes ready to hand to the
// backend's Pin call (via remote.ImageService.Pin), plus the content
// identifier that names them.
type Packed struct {
	Payload   []byte
	ContentID string
}

// Pack computes a CIDv1 raw-codec, sha2-256 content identifier over data
// and wraps data as a single-block CARv1 archive rooted at that CID.
//
// Raw codec (not dag-pb/UnixFS) because every payload here is an opaque
// blob or manifest byte string, not a filesystem tree to chunk.
func Pack(data []byte) (Packed, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return Packed{}, ErrPack
	}
	c := cid.NewCidV1(cid.Raw, mh)

	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return Packed{}, ErrPack
	}

	payload, err := encodeCARv1(blk)
	if err != nil {
		return Packed{}, ErrPack
	}

	return Packed{Payload: payload, ContentID: c.String()}, nil
}

// encodeCARv1 writes the fixed two-field ({version, roots}) DAG-CBOR CARv1
// header followed by one varint-length-prefixed block section. No general
// CBOR/IPLD codec is used: the header's shape never varies (exactly one
// root, one field order), so the bytes are built from constants rather
// than pulled through an encoder built for arbitrary documents.
func encodeCARv1(blk blocks.Block) ([]byte, error) {
	header, err := dagCBORHeader(blk.Cid())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(varint.ToUvarint(uint64(len(header))))
	buf.Write(header)

	cidBytes := blk.Cid().Bytes()
	section := append(append([]byte{}, cidBytes...), blk.RawData()...)
	buf.Write(varint.ToUvarint(uint64(len(section))))
	buf.Write(section)

	return buf.Bytes(), nil
}

// dagCBORHeader encodes {"version": 1, "roots": [c]} as DAG-CBOR. A CID in
// DAG-CBOR is CBOR tag 42 over a byte string carrying a leading 0x00
// ("identity" multibase) byte followed by the raw CID bytes.
func dagCBORHeader(c cid.Cid) ([]byte, error) {
	cidBytes := c.Bytes()
	taggedLen := 1 + len(cidBytes) // the leading 0x00 plus the CID bytes

	var buf bytes.Buffer

	buf.WriteByte(0xA2) // map, 2 entries

	buf.WriteByte(0x67) // text string, length 7
	buf.WriteString("version")
	buf.WriteByte(0x01) // unsigned int 1

	buf.WriteByte(0x65) // text string, length 5
	buf.WriteString("roots")

	buf.WriteByte(0x81) // array, 1 entry

	buf.WriteByte(0xD8) // tag, 1-byte argument follows
	buf.WriteByte(0x2A) // tag 42 (CID)

	if err := writeByteStringHeader(&buf, taggedLen); err != nil {
		return nil, err
	}
	buf.WriteByte(0x00) // identity multibase prefix
	buf.Write(cidBytes)

	return buf.Bytes(), nil
}

// writeByteStringHeader writes a CBOR major-type-2 (byte string) header for
// a payload of the given length. Only the lengths this package ever
// produces (CIDv1-raw-sha256 is always 37 bytes tagged) are exercised, but
// the general encoding is implemented for clarity and future CID variants.
func writeByteStringHeader(buf *bytes.Buffer, n int) error {
	switch {
	case n < 24:
		buf.WriteByte(0x40 | byte(n))
	case n < 256:
		buf.WriteByte(0x58)
		buf.WriteByte(byte(n))
	case n < 65536:
		buf.WriteByte(0x59)
		buf.WriteByte(byte(n >> 8))
		buf.WriteByte(byte(n))
	default:
		return errors.New("car: byte string too large for CARv1 header")
	}
	return nil
}
