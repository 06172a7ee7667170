// Package mst implements component C of the repository & sync engine:
// a deterministic, insertion-order-independent Merkle Search Tree
// keyed by record path, addressed by the same content-addressing the
// rest of the system uses.
package mst

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/primal-host/solo-pds/internal/pdserr"
)

// MaxKeyLen is the largest key (collection/rkey path) this system will
// accept.
const MaxKeyLen = 256

// ValidateKey checks the key-shape invariant every record key must
// satisfy: non-empty, at most MaxKeyLen bytes, no control characters,
// and exactly one "/" separating collection from rkey.
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return pdserr.WithCode("mst.ValidateKey", pdserr.KindInvalidInput, "InvalidKey", "key is empty")
	}
	if len(key) > MaxKeyLen {
		return pdserr.WithCode("mst.ValidateKey", pdserr.KindInvalidInput, "InvalidKey", fmt.Sprintf("key exceeds %d bytes", MaxKeyLen))
	}
	for _, b := range key {
		if b < 0x20 || b == 0x7f {
			return pdserr.WithCode("mst.ValidateKey", pdserr.KindInvalidInput, "InvalidKey", "key contains a control character")
		}
	}
	if strings.Count(string(key), "/") != 1 {
		return pdserr.WithCode("mst.ValidateKey", pdserr.KindInvalidInput, "InvalidKey", "key must contain exactly one '/'")
	}
	return nil
}

// Layer computes the MST layer a key belongs to: the count of leading
// zero bits in sha256(key), divided by 2 (fanout ≈ 4). Every
// implementation that computes this the same way produces the same
// canonical tree for a given key set, independent of insertion order.
func Layer(key []byte) int {
	sum := sha256.Sum256(key)
	return leadingZeroBits(sum[:]) / 2
}

func leadingZeroBits(b []byte) int {
	n := 0
	for _, by := range b {
		if by == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if by&mask != 0 {
				return n
			}
			n++
		}
	}
	return n
}

// compareKeys orders keys the way MST key ordering requires: plain
// byte-wise comparison, since keys are strict-ASCII "collection/rkey"
// strings and byte order matches their intended lexicographic order.
func compareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}
