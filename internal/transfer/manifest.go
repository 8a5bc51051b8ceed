package transfer

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// manifestHash folds a prepared transfer's per-file checksums into a single
// top-level digest, Merkle-style: pairs of hex-decoded checksums are
// concatenated and re-hashed bottom-up until one root remains. An odd node
// out at any level is paired with itself. Returns "" for an empty file list.
func manifestHash(checksums []string) (string, error) {
	if len(checksums) == 0 {
		return "", nil
	}

	level := make([][]byte, len(checksums))
	for i, c := range checksums {
		decoded, err := hex.DecodeString(c)
		if err != nil {
			return "", err
		}
		level[i] = decoded
	}

	for len(level) > 1 {
		var next [][]byte
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			h := blake3.New()
			h.Write(left)
			h.Write(right)
			next = append(next, h.Sum(nil))
		}
		level = next
	}

	return hex.EncodeToString(level[0]), nil
}
