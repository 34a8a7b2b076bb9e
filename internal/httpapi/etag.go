package httpapi

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gowebpki/jcs"
)

// snapshotETag digests the RFC 8785 canonical form of raw, so equal records always
// produce the same tag regardless of encoder details.
func snapshotETag(raw []byte) (string, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return `"` + hex.EncodeToString(sum[:16]) + `"`, nil
}
