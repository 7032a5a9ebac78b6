package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint derives a stable cache key from the provider identity and
// the request payload. Identical requests against the same model always
// produce the same key; any change to model, operation, or payload
// produces a different one.
func Fingerprint(model, operation string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// embedPayload serializes an embedding request for fingerprinting.
// JSON keeps the encoding unambiguous for any input texts.
func embedPayload(texts []string) []byte {
	b, _ := json.Marshal(texts)
	return b
}
