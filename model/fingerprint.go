package model

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// RequestFingerprint derives a compact identity for a logical request from
// its distinguishing parts (method, path, normalized body, app user id).
// Two requests with the same fingerprint are considered the same in-flight
// operation for de-duplication purposes.
func RequestFingerprint(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return base58.Encode(h.Sum(nil))
}
