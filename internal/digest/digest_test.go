package digest_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JAG-UK/pincer/internal/digest"
)

func TestFromBytes(t *testing.T) {
	d := digest.FromBytes([]byte("hello"))
	assert.True(t, strings.HasPrefix(string(d), "sha256:"))
	assert.Equal(t, d, digest.FromBytes([]byte("hello")))
	assert.NotEqual(t, d, digest.FromBytes([]byte("goodbye")))
}

func TestFromReader(t *testing.T) {
	d, err := digest.FromReader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes([]byte("hello")), d)
}

func TestParse(t *testing.T) {
	valid := string(digest.FromBytes([]byte("hello")))

	d, err := digest.Parse(valid)
	require.NoError(t, err)
	assert.Equal(t, valid, string(d))

	_, err = digest.Parse("not-a-digest")
	assert.ErrorIs(t, err, digest.ErrInvalidDigest)

	_, err = digest.Parse("md5:abcd")
	assert.ErrorIs(t, err, digest.ErrInvalidDigest)
}

func TestIsDigest(t *testing.T) {
	assert.True(t, digest.IsDigest("sha256:abc"))
	assert.False(t, digest.IsDigest("bafy2bzace"))
	assert.False(t, digest.IsDigest(""))
}

func TestHex(t *testing.T) {
	d := digest.Digest("sha256:deadbeef")
	assert.Equal(t, "deadbeef", d.Hex())

	malformed := digest.Digest("deadbeef")
	assert.Equal(t, "deadbeef", malformed.Hex())
}

func TestValidate(t *testing.T) {
	d := digest.FromBytes([]byte("x"))
	assert.NoError(t, d.Validate())
	assert.Error(t, digest.Digest("garbage").Validate())
}
