package mst

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/primal-host/solo-pds/internal/blockstore"
	"github.com/primal-host/solo-pds/internal/codec"
	"github.com/primal-host/solo-pds/internal/pdserr"
)

// Child is a lazily-resolved subtree reference: either an owned,
// already-materialized Node, or a CID that hasn't been fetched from
// the blockstore yet. Resolve loads it on demand; the result is cached
// on the Child so repeated reads of the same subtree within one tree
// don't re-fetch or re-decode it.
type Child struct {
	layer int
	node  *Node
	cid   cid.Cid
	known bool // cid is valid (node may or may not also be set)
}

func loadedChild(n *Node) *Child {
	return &Child{layer: n.Layer, node: n}
}

func unloadedChild(c cid.Cid, layer int) *Child {
	return &Child{layer: layer, cid: c, known: true}
}

// Resolve returns the materialized Node behind c, fetching and
// decoding it from store if necessary.
func (c *Child) Resolve(ctx context.Context, store blockstore.Store) (*Node, error) {
	if c == nil {
		return nil, nil
	}
	if c.node != nil {
		return c.node, nil
	}
	raw, err := store.Get(ctx, c.cid)
	if err != nil {
		return nil, pdserr.Wrap("mst.Resolve", pdserr.KindNotFound, err)
	}
	n, err := decodeNode(raw, c.layer)
	if err != nil {
		return nil, pdserr.Wrap("mst.Resolve", pdserr.KindIntegrity, err)
	}
	c.node = n
	c.known = true
	return n, nil
}

// CID returns the content address of the subtree c points to,
// encoding it (and caching the bytes/CID) if it is only held in
// memory so far.
func (c *Child) CID(ctx context.Context, store blockstore.Store) (cid.Cid, error) {
	if c == nil {
		return cid.Undef, fmt.Errorf("mst: cid of nil child")
	}
	if c.node == nil && c.known {
		return c.cid, nil
	}
	got, err := c.node.CID(ctx, store)
	if err != nil {
		return cid.Undef, err
	}
	c.cid = got
	c.known = true
	return got, nil
}

// entry is one leaf (key, value) in a node, with the subtree
// containing keys strictly greater than Key and less than the next
// entry's Key (nil if none).
type entry struct {
	Key   []byte
	Val   cid.Cid
	Right *Child
}

// Node is one MST node: an optional leftmost subtree holding keys
// less than every entry here, followed by strictly ascending entries,
// each carrying its own right subtree.
type Node struct {
	Layer   int
	Left    *Child
	Entries []entry

	cidCache  cid.Cid
	cidCached bool
	rawCache  []byte
}

// emptyNode is the canonical representation of a tree with zero
// leaves — a node with no left subtree and no entries, at layer 0.
func emptyNode() *Node {
	return &Node{Layer: 0}
}

func (n *Node) isEmpty() bool {
	return n.Left == nil && len(n.Entries) == 0
}

// CID returns this node's content address, computing and caching its
// canonical DAG-CBOR encoding on first use. Nodes are immutable once
// built (every mutation returns a new Node sharing unchanged
// subtrees), so memoizing here never goes stale — it is pure
// memoization, not the shared "outdated pointer" the source's MST
// used.
func (n *Node) CID(ctx context.Context, store blockstore.Store) (cid.Cid, error) {
	if n.cidCached {
		return n.cidCache, nil
	}
	c, raw, err := n.encode(ctx, store)
	if err != nil {
		return cid.Undef, err
	}
	n.cidCache = c
	n.rawCache = raw
	n.cidCached = true
	return c, nil
}

// encode serializes n to its wire form: { l: CID?, e: [{p,k,v,t}] }
// with each entry's key prefix-compressed against the previous entry
// in the node.
func (n *Node) encode(ctx context.Context, store blockstore.Store) (cid.Cid, []byte, error) {
	m := map[string]any{}

	if n.Left != nil {
		lc, err := n.Left.CID(ctx, store)
		if err != nil {
			return cid.Undef, nil, fmt.Errorf("mst: encode left subtree: %w", err)
		}
		m["l"] = lc
	} else {
		m["l"] = nil
	}

	var prev []byte
	entries := make([]any, 0, len(n.Entries))
	for _, e := range n.Entries {
		p := sharedPrefixLen(prev, e.Key)
		ent := map[string]any{
			"p": int64(p),
			"k": []byte(e.Key[p:]),
			"v": e.Val,
		}
		if e.Right != nil {
			rc, err := e.Right.CID(ctx, store)
			if err != nil {
				return cid.Undef, nil, fmt.Errorf("mst: encode right subtree: %w", err)
			}
			ent["t"] = rc
		} else {
			ent["t"] = nil
		}
		entries = append(entries, ent)
		prev = e.Key
	}
	m["e"] = entries

	return codec.CIDAndBytes(m)
}

// decodeNode parses a node's wire form at the given layer (the caller
// supplies layer since it is implied by tree position, not carried in
// the encoding itself).
func decodeNode(raw []byte, layer int) (*Node, error) {
	v, err := codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("mst: decode node: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("mst: node block is not a map (%T)", v)
	}

	n := &Node{Layer: layer}
	if lv, ok := m["l"]; ok && lv != nil {
		lc, ok := lv.(cid.Cid)
		if !ok {
			return nil, fmt.Errorf("mst: node.l is not a link")
		}
		n.Left = unloadedChild(lc, layer-1)
	}

	rawEntries, _ := m["e"].([]any)
	var prev []byte
	for i, re := range rawEntries {
		em, ok := re.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("mst: entry %d is not a map", i)
		}
		p, err := asInt(em["p"])
		if err != nil {
			return nil, fmt.Errorf("mst: entry %d.p: %w", i, err)
		}
		suffix, ok := em["k"].([]byte)
		if !ok {
			return nil, fmt.Errorf("mst: entry %d.k is not bytes", i)
		}
		if p > len(prev) {
			return nil, fmt.Errorf("mst: entry %d prefix length %d exceeds previous key", i, p)
		}
		key := make([]byte, 0, p+len(suffix))
		key = append(key, prev[:p]...)
		key = append(key, suffix...)

		val, ok := em["v"].(cid.Cid)
		if !ok {
			return nil, fmt.Errorf("mst: entry %d.v is not a link", i)
		}

		var right *Child
		if tv, ok := em["t"]; ok && tv != nil {
			tc, ok := tv.(cid.Cid)
			if !ok {
				return nil, fmt.Errorf("mst: entry %d.t is not a link", i)
			}
			right = unloadedChild(tc, layer-1)
		}

		n.Entries = append(n.Entries, entry{Key: key, Val: val, Right: right})
		prev = key
	}

	return n, nil
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func asInt(v any) (int, error) {
	switch x := v.(type) {
	case int64:
		return int(x), nil
	case uint64:
		return int(x), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

// leafKeys returns the node's entry keys in order.
func (n *Node) leafKeys() []string {
	out := make([]string, len(n.Entries))
	for i, e := range n.Entries {
		out[i] = string(e.Key)
	}
	return out
}
