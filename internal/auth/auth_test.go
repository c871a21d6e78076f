package auth_test

import (
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JAG-UK/pincer/internal/auth"
)

func TestFromHeaderBearer(t *testing.T) {
	cred, ok := auth.FromHeader("Bearer abcdef")
	assert.True(t, ok)
	assert.Equal(t, auth.Credential("0xabcdef"), cred)
}

func TestFromHeaderBearerAlreadyPrefixed(t *testing.T) {
	cred, ok := auth.FromHeader("Bearer 0xabcdef")
	assert.True(t, ok)
	assert.Equal(t, auth.Credential("0xabcdef"), cred)
}

func TestFromHeaderBasic(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("user:deadbeef"))
	cred, ok := auth.FromHeader("Basic " + encoded)
	assert.True(t, ok)
	assert.Equal(t, auth.Credential("0xdeadbeef"), cred)
}

func TestFromHeaderBasicNoPassword(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("justauser"))
	cred, ok := auth.FromHeader("Basic " + encoded)
	assert.True(t, ok)
	assert.Equal(t, auth.Credential("0xjustauser"), cred)
}

func TestFromHeaderMissing(t *testing.T) {
	_, ok := auth.FromHeader("")
	assert.False(t, ok)
}

func TestFromHeaderUnknownScheme(t *testing.T) {
	_, ok := auth.FromHeader("Digest abc")
	assert.False(t, ok)
}

func TestFromRequest(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/v2/", nil)
	req.Header.Set("Authorization", "Bearer mykey")
	cred, ok := auth.FromRequest(req)
	assert.True(t, ok)
	assert.Equal(t, auth.Credential("0xmykey"), cred)
}
