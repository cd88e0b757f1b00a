package integrity

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkRecorder records every write size it receives.
type chunkRecorder struct {
	bytes.Buffer
	sizes []int
}

func (c *chunkRecorder) Write(p []byte) (int, error) {
	c.sizes = append(c.sizes, len(p))
	return c.Buffer.Write(p)
}

func payload(n int) []byte {
	r := rand.New(rand.NewPCG(1, 2))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.UintN(256))
	}
	return b
}

func TestCopyMatchesReferenceImplementation(t *testing.T) {
	key := []byte("shared_secret")
	v := NewVerifier(key)

	for _, size := range []int{0, 1, ChunkSize - 1, ChunkSize, 3*ChunkSize + 17} {
		data := payload(size)
		var dst bytes.Buffer

		digest, err := v.Copy(&dst, bytes.NewReader(data))
		require.NoError(t, err)

		mac := hmac.New(sha256.New, key)
		mac.Write(data)
		sum := sha256.Sum256(data)

		assert.Equal(t, mac.Sum(nil), digest.HMAC)
		assert.Equal(t, sum[:], digest.SHA256)
		assert.Equal(t, int64(size), digest.Size)
		assert.Equal(t, data, dst.Bytes(), "bytes are forwarded unchanged")
		assert.True(t, digest.Matches(v.Sign(data)))
	}
}

func TestCopyStreamsInFixedChunks(t *testing.T) {
	v := NewVerifier([]byte("k"))
	rec := &chunkRecorder{}

	_, err := v.Copy(rec, bytes.NewReader(payload(2*ChunkSize+5)))
	require.NoError(t, err)

	for _, n := range rec.sizes {
		assert.LessOrEqual(t, n, ChunkSize)
	}
}

func TestSingleBitMutationFailsVerification(t *testing.T) {
	v := NewVerifier([]byte("shared_secret"))
	data := payload(4096)
	tags := v.Sign(data)

	for _, bit := range []int{0, 7, 2048*8 + 3, len(data)*8 - 1} {
		mutated := append([]byte(nil), data...)
		mutated[bit/8] ^= 1 << (bit % 8)

		digest, err := v.Copy(io.Discard, bytes.NewReader(mutated))
		require.NoError(t, err)
		assert.False(t, digest.Matches(tags), "bit %d", bit)
	}
}

func TestMatchesRequiresBothTags(t *testing.T) {
	v := NewVerifier([]byte("shared_secret"))
	data := []byte("selfie")
	good := v.Sign(data)
	other := v.Sign([]byte("other"))

	digest, err := v.Copy(io.Discard, bytes.NewReader(data))
	require.NoError(t, err)

	assert.True(t, digest.Matches(good))
	assert.False(t, digest.Matches(Tags{HMAC: good.HMAC, SHA256: other.SHA256}))
	assert.False(t, digest.Matches(Tags{HMAC: other.HMAC, SHA256: good.SHA256}))
	assert.False(t, digest.Matches(Tags{HMAC: "!!not base64", SHA256: good.SHA256}))
	assert.False(t, digest.Matches(Tags{}))
}

func TestWrongKeyFailsHMACOnly(t *testing.T) {
	data := []byte("id video")
	clientTags := NewVerifier([]byte("client-key")).Sign(data)

	digest, err := NewVerifier([]byte("server-key")).Copy(io.Discard, bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, clientTags.SHA256, base64.StdEncoding.EncodeToString(digest.SHA256))
	assert.False(t, digest.Matches(clientTags))
}
