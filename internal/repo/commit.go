package repo

import (
	"fmt"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/ipfs/go-cid"

	"github.com/primal-host/solo-pds/internal/codec"
)

// RepoVersion is the commit schema version this engine writes.
const RepoVersion = 3

// Commit is the signed root object of a repository:
// { did, version, prev, data, rev, sig }. Rather than handing this off
// to indigo's atproto/repo.Commit, this type and its encode/sign/verify
// are hand-built against internal/codec, since the commit object is as
// much a part of the core as the MST nodes it points to.
type Commit struct {
	DID     string
	Version int
	Prev    *cid.Cid
	Data    cid.Cid
	Rev     string
	Sig     []byte
}

// toMap builds the commit's DAG-CBOR map. withSig controls whether the
// sig field is present — signing happens over the sig-less encoding,
// and the final stored block includes sig.
func (c Commit) toMap(withSig bool) map[string]any {
	m := map[string]any{
		"did":     c.DID,
		"version": int64(c.Version),
		"data":    c.Data,
		"rev":     c.Rev,
	}
	if c.Prev != nil {
		m["prev"] = *c.Prev
	} else {
		m["prev"] = nil
	}
	if withSig {
		m["sig"] = c.Sig
	}
	return m
}

// signingBytes returns the canonical encoding with sig omitted — the
// exact bytes the repo signing key signs over.
func (c Commit) signingBytes() ([]byte, error) {
	return codec.Encode(c.toMap(false))
}

// Sign computes sig over the sig-less encoding and sets it on c.
func (c *Commit) Sign(priv atcrypto.PrivateKeyExportable) error {
	msg, err := c.signingBytes()
	if err != nil {
		return fmt.Errorf("repo: commit signing bytes: %w", err)
	}
	sig, err := priv.HashAndSign(msg)
	if err != nil {
		return fmt.Errorf("repo: commit sign: %w", err)
	}
	c.Sig = sig
	return nil
}

// Verify checks sig against the commit's sig-less encoding using pub.
func (c Commit) Verify(pub atcrypto.PublicKey) error {
	msg, err := c.signingBytes()
	if err != nil {
		return err
	}
	return pub.HashAndVerify(msg, c.Sig)
}

// Encode serializes the commit (with sig) to its final block bytes
// and returns the block's CID.
func (c Commit) Encode() (cid.Cid, []byte, error) {
	return codec.CIDAndBytes(c.toMap(true))
}

// DecodeCommit parses a commit block's bytes back into a Commit.
func DecodeCommit(raw []byte) (Commit, error) {
	v, err := codec.Decode(raw)
	if err != nil {
		return Commit{}, fmt.Errorf("repo: decode commit: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Commit{}, fmt.Errorf("repo: commit block is not a map")
	}

	did, _ := m["did"].(string)
	rev, _ := m["rev"].(string)
	version, err := asInt(m["version"])
	if err != nil {
		return Commit{}, fmt.Errorf("repo: commit version: %w", err)
	}
	data, ok := m["data"].(cid.Cid)
	if !ok {
		return Commit{}, fmt.Errorf("repo: commit data is not a cid")
	}
	sig, _ := m["sig"].([]byte)

	var prev *cid.Cid
	if pc, ok := m["prev"].(cid.Cid); ok {
		prev = &pc
	}

	return Commit{
		DID:     did,
		Version: version,
		Prev:    prev,
		Data:    data,
		Rev:     rev,
		Sig:     sig,
	}, nil
}

func asInt(v any) (int, error) {
	switch x := v.(type) {
	case int64:
		return int(x), nil
	case uint64:
		return int(x), nil
	case int:
		return x, nil
	default:
		return 0, fmt.Errorf("repo: expected integer, got %T", v)
	}
}
