// Package integrity computes and compares SHA-256 content digests for
// backup artifacts. A digest mismatch is never ignored: callers abort the
// operation in progress when Verify fails.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrMismatch indicates a computed digest did not match the expected one.
var ErrMismatch = errors.New("integrity mismatch")

// Digest reads r to EOF and returns the lowercase hex SHA-256 of its contents.
func Digest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestBytes returns the lowercase hex SHA-256 of b.
func DigestBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DigestFile returns the lowercase hex SHA-256 of the file at path.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return Digest(f)
}

// Verify compares a computed digest against an expected one and returns an
// error wrapping ErrMismatch when they differ. Comparison is exact; digests
// are expected to already be lowercase hex.
func Verify(got, want string) error {
	if got != want {
		return fmt.Errorf("digest %s does not match expected %s: %w", got, want, ErrMismatch)
	}
	return nil
}
