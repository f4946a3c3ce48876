package cache

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/durastore/durastore/pkg/errors"
)

// Checksum returns the hex-encoded 64-bit xxhash of data
func Checksum(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// Verifier recomputes entry checksums over the uncompressed bytes
type Verifier struct {
	compressor *Compressor
}

// NewVerifier creates a verifier that decodes with compressor
func NewVerifier(compressor *Compressor) *Verifier {
	return &Verifier{compressor: compressor}
}

// Canonical returns the uncompressed bytes of an entry
func (v *Verifier) Canonical(e *Entry) ([]byte, error) {
	if !e.Compressed {
		return e.Value, nil
	}
	return v.compressor.Decompress(e.Value, e.Algorithm)
}

// Verify returns the canonical bytes of e if they match its checksum.
// A decode failure counts as a mismatch.
func (v *Verifier) Verify(e *Entry) ([]byte, error) {
	canonical, err := v.Canonical(e)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIntegrityViolation, "stored value cannot be decoded").
			WithComponent("cache").
			WithOperation("verify").
			WithContext("key", e.Key).
			WithCause(err)
	}
	if got := Checksum(canonical); got != e.Checksum {
		return nil, errors.NewError(errors.ErrCodeIntegrityViolation, "checksum mismatch").
			WithComponent("cache").
			WithOperation("verify").
			WithContext("key", e.Key).
			WithDetail("expected", e.Checksum).
			WithDetail("actual", got)
	}
	return canonical, nil
}
