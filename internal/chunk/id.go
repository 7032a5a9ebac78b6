package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MakeID derives a chunk ID from the owning path, the chunk ordinal, and
// the chunk text. The ID changes if and only if the content or position
// materially changes, so unchanged sub-units keep their IDs (and their
// embeddings) across re-chunking.
func MakeID(path string, ordinal int, text string) string {
	content := sha256.Sum256([]byte(text))
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%s", path, ordinal, hex.EncodeToString(content[:]))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
