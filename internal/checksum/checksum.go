// Package checksum computes and verifies SHA-256 digests over backup
// artifacts. The file variants stream their input so multi-gigabyte
// artifacts never have to fit in memory.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// File returns the hex-encoded SHA-256 digest of the file at path,
// streaming the contents through the hash.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for checksum: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read %s for checksum: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Result holds the outcome of a checksum verification.
type Result struct {
	Valid    bool   `json:"valid"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// VerifyFile recomputes the digest of the file at path and compares it
// against expected. A mismatch is reported through Result, not as an
// error; only I/O failures return a non-nil error.
func VerifyFile(path, expected string) (Result, error) {
	actual, err := File(path)
	if err != nil {
		return Result{Expected: expected}, err
	}
	return Result{
		Valid:    actual == expected,
		Expected: expected,
		Actual:   actual,
	}, nil
}
