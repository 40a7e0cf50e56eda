package mavlink

import (
	"crypto/hmac"
	"crypto/sha256"
)

// SignContext carries what Finalize needs to append a signature:
// the tenant's secret key, the outgoing link_id, and the timestamp to
// stamp the frame with.
type SignContext struct {
	Key       [32]byte
	LinkID    uint8
	Timestamp uint64
}

// computeSignature returns the 6-byte MAVLink signature for a frame,
// following the same construction the original relay's HMAC usage did:
// HMAC-SHA256 over the key and the frame bytes (header, payload, and
// checksum) followed by the link_id and timestamp, truncated to 6 bytes.
func computeSignature(key [32]byte, frameBytes []byte, linkIDAndTimestamp []byte) []byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(frameBytes)
	mac.Write(linkIDAndTimestamp)
	sum := mac.Sum(nil)
	return sum[:6]
}

// verifySignature recomputes the signature over a received frame's raw
// bytes (everything up to and including the link_id+timestamp) and
// reports whether it matches the trailing signature value.
func verifySignature(key [32]byte, f *Frame) bool {
	if f.Signature == nil {
		return false
	}
	frameLen := len(f.Raw) - signatureLen
	if frameLen < 0 {
		return false
	}
	header := f.Raw[:frameLen]
	linkIDAndTimestamp := f.Raw[frameLen : frameLen+7]
	want := computeSignature(key, header, linkIDAndTimestamp)
	return hmac.Equal(want, f.Signature.Value[:])
}
