package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
)

// Fingerprint hashes a record list independent of its order. Each record is
// canonicalised with RFC 8785 before hashing, so equal sets always produce the
// same hex digest.
func Fingerprint(records []ComplianceRecord) (string, error) {
	hashes := make([]string, 0, len(records))
	for _, r := range records {
		raw, err := json.Marshal(r)
		if err != nil {
			return "", fmt.Errorf("marshal record %s: %w", r.ID, err)
		}
		canon, err := jcs.Transform(raw)
		if err != nil {
			return "", fmt.Errorf("canonicalize record %s: %w", r.ID, err)
		}
		sum := sha256.Sum256(canon)
		hashes = append(hashes, hex.EncodeToString(sum[:]))
	}
	sort.Strings(hashes)

	raw, err := json.Marshal(hashes)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
