package codec

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// EncodeBytes frames an opaque byte payload as base64 ASCII, per spec.md
// §4.1 "Byte framing". Payloads are never interpreted as UTF-8.
func EncodeBytes(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBytes reverses EncodeBytes. Callers must reject (not abort the
// stream for) a decode error, per spec.md §4.1.
func DecodeBytes(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// CwdLockName returns the lowercase hex SHA-256 of the UTF-8 bytes of the
// resolved cwd, with a .lock suffix, per spec.md §3/§4.1.
func CwdLockName(cwd string) string {
	sum := sha256.Sum256([]byte(cwd))
	return hex.EncodeToString(sum[:]) + ".lock"
}
