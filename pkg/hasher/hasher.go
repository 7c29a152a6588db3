// Package hasher provides the SHA-256 primitives the rest of the service
// builds on: hashing an in-memory byte string and streaming a file through
// the digest in fixed-size chunks.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/certen-labs/merkle-snapshot/pkg/apperr"
)

// chunkSize is the streaming read size for HashFile, per spec.
const chunkSize = 4096

// HashBytes returns the lowercase hex SHA-256 digest of s.
func HashBytes(s []byte) string {
	sum := sha256.Sum256(s)
	return hex.EncodeToString(sum[:])
}

// HashString is a convenience wrapper over HashBytes for UTF-8 text.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// HashFile opens path and streams its contents through SHA-256 in 4 KiB
// chunks, closing the file on every exit path. No canonicalization is
// applied — the file is hashed exactly as it sits on disk.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", apperr.New(apperr.KindIO, "hasher.HashFile", fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if _, err := h.Write(buf[:n]); err != nil {
				return "", apperr.New(apperr.KindIO, "hasher.HashFile", fmt.Errorf("hash %s: %w", path, err))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", apperr.New(apperr.KindIO, "hasher.HashFile", fmt.Errorf("read %s: %w", path, readErr))
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
