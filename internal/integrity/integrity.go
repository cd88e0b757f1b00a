// Package integrity verifies uploads against a keyed HMAC-SHA256 tag and an
// unkeyed SHA-256 digest computed in one streaming pass.
package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
)

// ChunkSize is the fixed read size used while streaming an upload.
const ChunkSize = 32 * 1024

// Tags are the caller-supplied base64 values for one file.
type Tags struct {
	HMAC   string
	SHA256 string
}

// Digest is what the server computed over the received bytes.
type Digest struct {
	HMAC   []byte
	SHA256 []byte
	Size   int64
}

// Verifier computes and checks tags with a pre-shared key.
type Verifier struct {
	key []byte
}

func NewVerifier(key []byte) *Verifier {
	return &Verifier{key: append([]byte(nil), key...)}
}

// Copy streams src into dst in ChunkSize reads, feeding every chunk to both
// hashes. The whole upload is never held in memory.
func (v *Verifier) Copy(dst io.Writer, src io.Reader) (Digest, error) {
	mac := hmac.New(sha256.New, v.key)
	sum := sha256.New()

	buf := make([]byte, ChunkSize)
	// Hide any WriterTo/ReaderFrom so CopyBuffer uses buf.
	n, err := io.CopyBuffer(io.MultiWriter(dst, mac, sum), struct{ io.Reader }{src}, buf)
	if err != nil {
		return Digest{}, fmt.Errorf("stream upload: %w", err)
	}
	return Digest{
		HMAC:   mac.Sum(nil),
		SHA256: sum.Sum(nil),
		Size:   n,
	}, nil
}

// Matches compares both values in constant time. Tags that are not valid
// base64 never match.
func (d Digest) Matches(tags Tags) bool {
	wantMAC, err := base64.StdEncoding.DecodeString(tags.HMAC)
	if err != nil {
		return false
	}
	wantSum, err := base64.StdEncoding.DecodeString(tags.SHA256)
	if err != nil {
		return false
	}
	macOK := hmac.Equal(d.HMAC, wantMAC)
	sumOK := subtle.ConstantTimeCompare(d.SHA256, wantSum) == 1
	return macOK && sumOK
}

// Sign returns the tags a well-behaved client would send for data.
func (v *Verifier) Sign(data []byte) Tags {
	mac := hmac.New(sha256.New, v.key)
	mac.Write(data)
	sum := sha256.Sum256(data)
	return Tags{
		HMAC:   base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		SHA256: base64.StdEncoding.EncodeToString(sum[:]),
	}
}
