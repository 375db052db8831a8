package dbwrite

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// jsonDigest canonicalizes v (encoding/json sorts map keys) and returns the
// md5 hex digest plus the canonical bytes. The digest is the caller key for
// content-addressed tables, so identical content always dedupes.
func jsonDigest(v any) (string, []byte, error) {
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("canonicalize for digest: %w", err)
	}
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:]), canonical, nil
}

func textDigest(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// MonthIdx is the fiscal-month bucket all rows of one flush are tagged
// with. It is computed once per flush and carried on the batch, so a flush
// transaction can never straddle a month boundary.
func MonthIdx(t time.Time) int {
	y, m, _ := t.UTC().Date()
	return y*12 + int(m) - 1
}
