package arctype

import (
	_ "crypto/sha256" // registers digest.SHA256
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// FingerprintTail is the number of trailing source bytes mixed into a
// fingerprint.
const FingerprintTail = 4096

// Fingerprint identifies a container image by its length and trailing bytes.
// Every supported format ends in a directory or trailer that changes on any
// rewrite, so the tail is enough to detect a stale parse.
func Fingerprint(size int64, tail []byte) digest.Digest {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(size))
	d := digest.SHA256.Digester()
	h := d.Hash()
	h.Write(n[:])
	h.Write(tail)
	return d.Digest()
}

// SourceFingerprint computes the fingerprint of the bytes behind src.
func SourceFingerprint(src Source) (digest.Digest, error) {
	size := src.Size()
	n := min(size, FingerprintTail)
	tail := make([]byte, n)
	if _, err := src.ReadAt(tail, size-n); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return Fingerprint(size, tail), nil
}
