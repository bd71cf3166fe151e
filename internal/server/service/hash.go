package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// hashChunkSize bounds memory use while hashing arbitrarily large uploads.
const hashChunkSize = 8 * 1024

// Fingerprint computes the SHA-256 hex digest of the stream, reading it in
// 8KB chunks, and rewinds it to the start afterwards since the same stream
// is persisted next. Also returns the number of bytes read.
func Fingerprint(r io.ReadSeeker) (string, int64, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("failed to rewind stream: %w", err)
	}

	hasher := sha256.New()
	buf := make([]byte, hashChunkSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("failed to read stream: %w", err)
		}
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("failed to rewind stream: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), total, nil
}
