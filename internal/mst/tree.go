package mst

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"

	"github.com/primal-host/solo-pds/internal/blockstore"
	"github.com/primal-host/solo-pds/internal/pdserr"
)

// Tree is an immutable handle on one MST. Every mutating method
// returns a new Tree sharing whatever subtrees didn't change; the
// receiver is never modified. root is never nil — an empty tree holds
// the canonical empty node.
type Tree struct {
	root  *Child
	store blockstore.Store
}

// Empty returns the canonical empty tree backed by store (used to
// resolve any subtrees once they're loaded from elsewhere).
func Empty(store blockstore.Store) *Tree {
	return &Tree{root: loadedChild(emptyNode()), store: store}
}

// LoadFromStore resolves a persisted tree given its root CID. The
// node's layer isn't carried in its own encoding, so it's
// inferred from the layer of its own keys, descending through
// Left-only spines for nodes with no entries yet.
func LoadFromStore(ctx context.Context, store blockstore.Store, root cid.Cid) (*Tree, error) {
	raw, err := store.Get(ctx, root)
	if err != nil {
		return nil, pdserr.Wrap("mst.LoadFromStore", pdserr.KindNotFound, err)
	}
	n, err := decodeNode(raw, -1)
	if err != nil {
		return nil, pdserr.Wrap("mst.LoadFromStore", pdserr.KindIntegrity, err)
	}
	if _, err := resolveLayer(ctx, store, n); err != nil {
		return nil, pdserr.Wrap("mst.LoadFromStore", pdserr.KindIntegrity, err)
	}
	c := loadedChild(n)
	c.cid = root
	c.known = true
	return &Tree{root: c, store: store}, nil
}

// resolveLayer fixes n.Layer (and, transitively, the layer recorded
// on n's own not-yet-resolved children) by inferring it from n's
// entries, or by recursing down the leftmost spine when n has none.
func resolveLayer(ctx context.Context, store blockstore.Store, n *Node) (int, error) {
	if len(n.Entries) > 0 {
		layer := Layer(n.Entries[0].Key)
		n.fixLayer(layer)
		return layer, nil
	}
	if n.Left != nil {
		left, err := n.Left.Resolve(ctx, store)
		if err != nil {
			return 0, err
		}
		leftLayer, err := resolveLayer(ctx, store, left)
		if err != nil {
			return 0, err
		}
		layer := leftLayer + 1
		n.fixLayer(layer)
		return layer, nil
	}
	n.fixLayer(0)
	return 0, nil
}

func (n *Node) fixLayer(layer int) {
	n.Layer = layer
	if n.Left != nil {
		n.Left.layer = layer - 1
	}
	for i := range n.Entries {
		if n.Entries[i].Right != nil {
			n.Entries[i].Right.layer = layer - 1
		}
	}
}

func wrapChild(n *Node) *Child {
	if n.isEmpty() {
		return nil
	}
	return loadedChild(n)
}

func childLayer(ctx context.Context, store blockstore.Store, c *Child) (int, error) {
	if c.node != nil {
		return c.node.Layer, nil
	}
	return c.layer, nil
}

// RootCID returns the canonical CID of this tree.
func (t *Tree) RootCID(ctx context.Context) (cid.Cid, error) {
	return t.root.CID(ctx, t.store)
}

// Get returns the value CID stored at key, or (Undef, false) if
// absent.
func (t *Tree) Get(ctx context.Context, key []byte) (cid.Cid, bool, error) {
	return getValue(ctx, t.store, t.root, key)
}

func getValue(ctx context.Context, store blockstore.Store, child *Child, key []byte) (cid.Cid, bool, error) {
	if child == nil {
		return cid.Undef, false, nil
	}
	node, err := child.Resolve(ctx, store)
	if err != nil {
		return cid.Undef, false, err
	}
	kl := Layer(key)
	if kl > node.Layer {
		return cid.Undef, false, nil
	}
	if kl == node.Layer {
		i := sort.Search(len(node.Entries), func(i int) bool { return compareKeys(node.Entries[i].Key, key) >= 0 })
		if i < len(node.Entries) && bytes.Equal(node.Entries[i].Key, key) {
			return node.Entries[i].Val, true, nil
		}
		return cid.Undef, false, nil
	}
	i := sort.Search(len(node.Entries), func(i int) bool { return compareKeys(node.Entries[i].Key, key) > 0 })
	var spanning *Child
	if i == 0 {
		spanning = node.Left
	} else {
		spanning = node.Entries[i-1].Right
	}
	return getValue(ctx, store, spanning, key)
}

// ProofPath walks from the root down to key exactly as Get does, but
// additionally collects the CID and encoded bytes of every node
// visited along the way. Those blocks are the inclusion proof a
// sync.getRecord client replays against the commit's data root to
// confirm the returned record actually belongs to that tree, without
// fetching the whole repository. found reports whether key is
// present; val is its value CID when it is.
func (t *Tree) ProofPath(ctx context.Context, key []byte) (val cid.Cid, found bool, path map[string][]byte, err error) {
	path = map[string][]byte{}
	val, found, err = proofPath(ctx, t.store, t.root, key, path)
	if err != nil {
		return cid.Undef, false, nil, err
	}
	return val, found, path, nil
}

func proofPath(ctx context.Context, store blockstore.Store, child *Child, key []byte, path map[string][]byte) (cid.Cid, bool, error) {
	if child == nil {
		return cid.Undef, false, nil
	}
	node, err := child.Resolve(ctx, store)
	if err != nil {
		return cid.Undef, false, err
	}
	c, err := node.CID(ctx, store)
	if err != nil {
		return cid.Undef, false, err
	}
	path[c.KeyString()] = node.rawCache

	kl := Layer(key)
	if kl > node.Layer {
		return cid.Undef, false, nil
	}
	if kl == node.Layer {
		i := sort.Search(len(node.Entries), func(i int) bool { return compareKeys(node.Entries[i].Key, key) >= 0 })
		if i < len(node.Entries) && bytes.Equal(node.Entries[i].Key, key) {
			return node.Entries[i].Val, true, nil
		}
		return cid.Undef, false, nil
	}
	i := sort.Search(len(node.Entries), func(i int) bool { return compareKeys(node.Entries[i].Key, key) > 0 })
	var spanning *Child
	if i == 0 {
		spanning = node.Left
	} else {
		spanning = node.Entries[i-1].Right
	}
	return proofPath(ctx, store, spanning, key, path)
}

// Add inserts a new key. Fails with pdserr.ErrKeyExists if key is
// already present.
func (t *Tree) Add(ctx context.Context, key []byte, val cid.Cid) (*Tree, error) {
	if _, found, err := t.Get(ctx, key); err != nil {
		return nil, err
	} else if found {
		return nil, pdserr.Wrap("mst.Add", pdserr.KindConflict, fmt.Errorf("%w: %s", pdserr.ErrKeyExists, key))
	}

	rootLayer, err := childLayer(ctx, t.store, t.root)
	if err != nil {
		return nil, err
	}
	keyLayer := Layer(key)

	var newRoot *Child
	if keyLayer > rootLayer {
		newRoot, err = lift(ctx, t.store, t.root, rootLayer, keyLayer, key, val)
	} else {
		newRoot, err = insertNew(ctx, t.store, t.root, rootLayer, key, val)
	}
	if err != nil {
		return nil, pdserr.Wrap("mst.Add", pdserr.KindIntegrity, err)
	}
	return &Tree{root: newRoot, store: t.store}, nil
}

// Update replaces the value at an existing key. Fails with
// pdserr.ErrKeyNotFound if key is absent.
func (t *Tree) Update(ctx context.Context, key []byte, val cid.Cid) (*Tree, error) {
	if _, found, err := t.Get(ctx, key); err != nil {
		return nil, err
	} else if !found {
		return nil, pdserr.Wrap("mst.Update", pdserr.KindNotFound, fmt.Errorf("%w: %s", pdserr.ErrKeyNotFound, key))
	}
	newRoot, _, err := replaceAt(ctx, t.store, t.root, key, val)
	if err != nil {
		return nil, pdserr.Wrap("mst.Update", pdserr.KindIntegrity, err)
	}
	return &Tree{root: newRoot, store: t.store}, nil
}

// Delete removes key. Fails with pdserr.ErrKeyNotFound if absent.
func (t *Tree) Delete(ctx context.Context, key []byte) (*Tree, error) {
	rootLayer, err := childLayer(ctx, t.store, t.root)
	if err != nil {
		return nil, err
	}
	if _, found, err := t.Get(ctx, key); err != nil {
		return nil, err
	} else if !found {
		return nil, pdserr.Wrap("mst.Delete", pdserr.KindNotFound, fmt.Errorf("%w: %s", pdserr.ErrKeyNotFound, key))
	}
	newRoot, _, err := removeAt(ctx, t.store, t.root, rootLayer, key)
	if err != nil {
		return nil, pdserr.Wrap("mst.Delete", pdserr.KindIntegrity, err)
	}
	if newRoot == nil {
		newRoot = loadedChild(emptyNode())
	}
	newRoot, err = trimTop(ctx, t.store, newRoot)
	if err != nil {
		return nil, pdserr.Wrap("mst.Delete", pdserr.KindIntegrity, err)
	}
	return &Tree{root: newRoot, store: t.store}, nil
}

// trimTop collapses Left-only nodes at the top of the tree: while the root has no entries but does have a left
// subtree, that subtree becomes the new root.
func trimTop(ctx context.Context, store blockstore.Store, root *Child) (*Child, error) {
	for {
		node, err := root.Resolve(ctx, store)
		if err != nil {
			return nil, err
		}
		if len(node.Entries) > 0 || node.Left == nil {
			return root, nil
		}
		root = node.Left
	}
}

// UnstoredBlocks returns the tree's root CID and every MST node block
// reachable from it that store reports missing — the set of new or
// changed nodes a commit must write. Traversal
// stops at any subtree store already has, since a content-addressed
// node that already exists cannot differ from what's being written.
func (t *Tree) UnstoredBlocks(ctx context.Context) (cid.Cid, map[string][]byte, error) {
	rootCID, err := t.RootCID(ctx)
	if err != nil {
		return cid.Undef, nil, err
	}
	out := map[string][]byte{}
	if err := collectUnstored(ctx, t.store, t.root, out); err != nil {
		return cid.Undef, nil, err
	}
	return rootCID, out, nil
}

func collectUnstored(ctx context.Context, store blockstore.Store, child *Child, out map[string][]byte) error {
	if child == nil {
		return nil
	}
	c, err := child.CID(ctx, store)
	if err != nil {
		return err
	}
	has, err := store.Has(ctx, c)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	node := child.node
	if node == nil {
		return fmt.Errorf("mst: node %s reported missing but was never materialized", c)
	}
	if !node.cidCached {
		if _, err := node.CID(ctx, store); err != nil {
			return err
		}
	}
	out[c.KeyString()] = node.rawCache

	if err := collectUnstored(ctx, store, node.Left, out); err != nil {
		return err
	}
	for i := range node.Entries {
		if err := collectUnstored(ctx, store, node.Entries[i].Right, out); err != nil {
			return err
		}
	}
	return nil
}

// AllNodeBlocks returns the tree's root CID and every MST node block
// reachable from it, unconditionally — used for a full repository
// export, where "already stored" isn't a
// reason to omit a block the archive needs to be self-contained.
func (t *Tree) AllNodeBlocks(ctx context.Context) (cid.Cid, map[string][]byte, error) {
	rootCID, err := t.RootCID(ctx)
	if err != nil {
		return cid.Undef, nil, err
	}
	out := map[string][]byte{}
	if err := collectAll(ctx, t.store, t.root, out); err != nil {
		return cid.Undef, nil, err
	}
	return rootCID, out, nil
}

func collectAll(ctx context.Context, store blockstore.Store, child *Child, out map[string][]byte) error {
	if child == nil {
		return nil
	}
	node, err := child.Resolve(ctx, store)
	if err != nil {
		return err
	}
	c, err := node.CID(ctx, store)
	if err != nil {
		return err
	}
	out[c.KeyString()] = node.rawCache

	if err := collectAll(ctx, store, node.Left, out); err != nil {
		return err
	}
	for i := range node.Entries {
		if err := collectAll(ctx, store, node.Entries[i].Right, out); err != nil {
			return err
		}
	}
	return nil
}

// List returns up to count entries in ascending key order, starting
// strictly after the after cursor (if set) and strictly before the
// before cursor (if set).
func (t *Tree) List(ctx context.Context, count int, after, before []byte) ([]KV, error) {
	all, err := t.walkAll(ctx)
	if err != nil {
		return nil, err
	}
	return paginate(all, count, after, before, ""), nil
}

// ListWithPrefix returns up to count entries whose key starts with
// prefix, in ascending order.
func (t *Tree) ListWithPrefix(ctx context.Context, prefix []byte, count int) ([]KV, error) {
	all, err := t.walkAll(ctx)
	if err != nil {
		return nil, err
	}
	return paginate(all, count, nil, nil, string(prefix)), nil
}

func paginate(all []KV, count int, after, before []byte, prefix string) []KV {
	var out []KV
	for _, kv := range all {
		if prefix != "" && !bytes.HasPrefix([]byte(kv.Key), []byte(prefix)) {
			continue
		}
		if after != nil && bytes.Compare([]byte(kv.Key), after) <= 0 {
			continue
		}
		if before != nil && bytes.Compare([]byte(kv.Key), before) >= 0 {
			continue
		}
		out = append(out, kv)
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out
}

func (t *Tree) walkAll(ctx context.Context) ([]KV, error) {
	var out []KV
	err := walk(ctx, t.store, t.root, func(key []byte, val cid.Cid) error {
		out = append(out, KV{Key: string(key), Val: val})
		return nil
	})
	return out, err
}

func walk(ctx context.Context, store blockstore.Store, child *Child, fn func(key []byte, val cid.Cid) error) error {
	if child == nil {
		return nil
	}
	node, err := child.Resolve(ctx, store)
	if err != nil {
		return err
	}
	if err := walk(ctx, store, node.Left, fn); err != nil {
		return err
	}
	for _, e := range node.Entries {
		if err := fn(e.Key, e.Val); err != nil {
			return err
		}
		if err := walk(ctx, store, e.Right, fn); err != nil {
			return err
		}
	}
	return nil
}
