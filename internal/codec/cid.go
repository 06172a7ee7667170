// Package codec implements component A of the repository & sync
// engine: deterministic DAG-CBOR encode/decode and CIDv1 computation.
// Every block persisted anywhere in this system is produced by Encode
// and addressed by CIDForBytes, so content-addressing
// holds by construction rather than by convention.
package codec

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// DagCBOR is the multicodec code used for every block in this system
// (0x71).
const DagCBOR = cid.DagCBOR

// CIDForBytes computes CIDv1(dag-cbor, sha-256(bytes)), the addressing
// scheme every block in the system uses.
func CIDForBytes(raw []byte) (cid.Cid, error) {
	builder := cid.NewPrefixV1(DagCBOR, multihash.SHA2_256)
	c, err := builder.Sum(raw)
	if err != nil {
		return cid.Undef, fmt.Errorf("codec: compute cid: %w", err)
	}
	return c, nil
}

// VerifyCID checks that CID(bytes) == cid, the invariant every stored
// block must satisfy. Used by every blockstore Put and by CAR import.
func VerifyCID(c cid.Cid, raw []byte) error {
	want, err := CIDForBytes(raw)
	if err != nil {
		return err
	}
	if !want.Equals(c) {
		return fmt.Errorf("codec: cid mismatch: have %s want %s", c, want)
	}
	return nil
}

// ParseCID decodes a CID from its string form.
func ParseCID(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("codec: decode cid %q: %w", s, err)
	}
	return c, nil
}

// CIDAndBytes encodes v to canonical DAG-CBOR and returns both the
// bytes and their CID in one step — the common case for writing a new
// block (MST node, commit, or record).
func CIDAndBytes(v any) (cid.Cid, []byte, error) {
	raw, err := Encode(v)
	if err != nil {
		return cid.Undef, nil, err
	}
	c, err := CIDForBytes(raw)
	if err != nil {
		return cid.Undef, nil, err
	}
	return c, raw, nil
}
