// Package blockstore implements component B of the repository & sync
// engine: a content-addressed store of (cid, bytes) pairs with get,
// put, has, and batch variants. Every write is verified
// against codec.CIDForBytes before being accepted, so a corrupt write
// anywhere downstream surfaces here as an IntegrityError rather than
// silently poisoning the store.
package blockstore

import (
	"context"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"

	"github.com/primal-host/solo-pds/internal/codec"
	"github.com/primal-host/solo-pds/internal/pdserr"
)

// Store is the contract every blockstore implementation satisfies.
// Blocks are immutable once written, so the contract has no Update or
// Delete method.
type Store interface {
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
	GetMany(ctx context.Context, cs []cid.Cid) (map[string][]byte, error)
	Has(ctx context.Context, c cid.Cid) (bool, error)
	Put(ctx context.Context, c cid.Cid, data []byte) error
	PutMany(ctx context.Context, blocks map[string][]byte) error
}

// Mem is an in-memory Store, used for staging blocks during a commit
// before they're persisted, and as the backing store in tests. Blocks
// are held as go-block-format Blocks rather than bare byte slices so
// that an indigo-compatible store's block's CID travels with its bytes
// instead of being re-derived from the map key on every read.
type Mem struct {
	blocks map[string]blocks.Block
}

// NewMem creates an empty in-memory block store.
func NewMem() *Mem {
	return &Mem{blocks: make(map[string]blocks.Block, 64)}
}

func (m *Mem) Get(_ context.Context, c cid.Cid) ([]byte, error) {
	blk, ok := m.blocks[c.KeyString()]
	if !ok {
		return nil, pdserr.Wrap("blockstore.Get", pdserr.KindNotFound, fmt.Errorf("%w: %s", pdserr.ErrKeyNotFound, c))
	}
	return blk.RawData(), nil
}

func (m *Mem) GetMany(_ context.Context, cs []cid.Cid) (map[string][]byte, error) {
	out := make(map[string][]byte, len(cs))
	for _, c := range cs {
		if blk, ok := m.blocks[c.KeyString()]; ok {
			out[c.KeyString()] = blk.RawData()
		}
	}
	return out, nil
}

func (m *Mem) Has(_ context.Context, c cid.Cid) (bool, error) {
	_, ok := m.blocks[c.KeyString()]
	return ok, nil
}

// Put verifies data hashes to c before storing it — every block
// entering the system is checked here, the one choke point the
// content-addressing invariant relies on.
func (m *Mem) Put(_ context.Context, c cid.Cid, data []byte) error {
	if err := codec.VerifyCID(c, data); err != nil {
		return pdserr.Wrap("blockstore.Put", pdserr.KindIntegrity, err)
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return pdserr.Wrap("blockstore.Put", pdserr.KindIntegrity, err)
	}
	m.blocks[c.KeyString()] = blk
	return nil
}

func (m *Mem) PutMany(ctx context.Context, blockData map[string][]byte) error {
	for k, data := range blockData {
		c, err := cid.Cast([]byte(k))
		if err != nil {
			return pdserr.Wrap("blockstore.PutMany", pdserr.KindInvalidInput, err)
		}
		if err := m.Put(ctx, c, data); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of blocks currently held, used by tests and
// by commit-size accounting.
func (m *Mem) Len() int { return len(m.blocks) }

// Each calls fn for every block currently held, in unspecified order.
func (m *Mem) Each(fn func(c cid.Cid, data []byte) error) error {
	for _, blk := range m.blocks {
		if err := fn(blk.Cid(), blk.RawData()); err != nil {
			return err
		}
	}
	return nil
}
