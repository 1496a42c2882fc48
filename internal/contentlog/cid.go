package contentlog

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ComputeCID returns the CIDv1 (raw codec, sha2-256) of a payload.
func ComputeCID(data []byte) (string, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return cid.NewCidV1(cid.Raw, hash).String(), nil
}

// VerifyCID reports whether data hashes to the given CID string.
func VerifyCID(data []byte, expected string) error {
	c, err := cid.Decode(expected)
	if err != nil {
		return fmt.Errorf("invalid content id %q: %w", expected, err)
	}
	sum, err := c.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("failed to hash content: %w", err)
	}
	if !sum.Equals(c) {
		return fmt.Errorf("content hash mismatch: expected %s, got %s", expected, sum)
	}
	return nil
}
