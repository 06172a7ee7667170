package mst

import (
	"context"
	"sort"

	"github.com/ipfs/go-cid"

	"github.com/primal-host/solo-pds/internal/blockstore"
)

// KV is one (key, value-CID) pair returned by List/ListWithPrefix.
type KV struct {
	Key string
	Val cid.Cid
}

// splitChild partitions the subtree rooted at child into (left,
// right), holding respectively every key less than and greater than
// key. Either side may come back nil, meaning empty.
func splitChild(ctx context.Context, store blockstore.Store, child *Child, key []byte) (*Child, *Child, error) {
	if child == nil {
		return nil, nil, nil
	}
	node, err := child.Resolve(ctx, store)
	if err != nil {
		return nil, nil, err
	}
	return splitNode(ctx, store, node, key)
}

func splitNode(ctx context.Context, store blockstore.Store, node *Node, key []byte) (*Child, *Child, error) {
	i := sort.Search(len(node.Entries), func(i int) bool { return compareKeys(node.Entries[i].Key, key) > 0 })

	var spanning *Child
	if i == 0 {
		spanning = node.Left
	} else {
		spanning = node.Entries[i-1].Right
	}
	spanLeft, spanRight, err := splitChild(ctx, store, spanning, key)
	if err != nil {
		return nil, nil, err
	}

	leftEntries := append([]entry{}, node.Entries[:i]...)
	leftNode := &Node{Layer: node.Layer}
	if i > 0 {
		leftEntries[i-1].Right = spanLeft
		leftNode.Left = node.Left
	} else {
		leftNode.Left = spanLeft
	}
	leftNode.Entries = leftEntries

	rightEntries := append([]entry{}, node.Entries[i:]...)
	rightNode := &Node{Layer: node.Layer, Left: spanRight, Entries: rightEntries}

	return wrapChild(leftNode), wrapChild(rightNode), nil
}

// mergeChildren append-merges two same-layer subtrees that used to
// flank a now-removed key, recursively merging the rightmost subtree
// of left with the leftmost subtree of right.
func mergeChildren(ctx context.Context, store blockstore.Store, left, right *Child) (*Child, error) {
	if left == nil {
		return right, nil
	}
	if right == nil {
		return left, nil
	}
	ln, err := left.Resolve(ctx, store)
	if err != nil {
		return nil, err
	}
	rn, err := right.Resolve(ctx, store)
	if err != nil {
		return nil, err
	}

	if len(ln.Entries) == 0 {
		bridged, err := mergeChildren(ctx, store, ln.Left, rn.Left)
		if err != nil {
			return nil, err
		}
		merged := &Node{Layer: rn.Layer, Left: bridged, Entries: append([]entry{}, rn.Entries...)}
		return wrapChild(merged), nil
	}

	bridged, err := mergeChildren(ctx, store, ln.Entries[len(ln.Entries)-1].Right, rn.Left)
	if err != nil {
		return nil, err
	}
	merged := &Node{Layer: ln.Layer, Left: ln.Left}
	merged.Entries = append([]entry{}, ln.Entries...)
	merged.Entries[len(merged.Entries)-1].Right = bridged
	merged.Entries = append(merged.Entries, rn.Entries...)
	return wrapChild(merged), nil
}

// wrapUp lifts child (at fromLayer) through a chain of Left-only
// nodes up to toLayer, preserving invariant 3 (child layers are
// exactly one less than their parent's). A nil child stays nil at any
// layer — there's nothing to wrap.
func wrapUp(child *Child, fromLayer, toLayer int) *Child {
	if child == nil {
		return nil
	}
	cur := child
	for l := fromLayer + 1; l <= toLayer; l++ {
		cur = wrapChild(&Node{Layer: l, Left: cur})
	}
	return cur
}

// lift handles inserting a key whose layer is strictly above the
// current root's layer: split the whole tree around key, then build a
// new root at keyLayer with the split halves (wrapped up to
// keyLayer-1) as its Left and the single new entry's right subtree.
func lift(ctx context.Context, store blockstore.Store, root *Child, rootLayer, keyLayer int, key []byte, val cid.Cid) (*Child, error) {
	left, right, err := splitChild(ctx, store, root, key)
	if err != nil {
		return nil, err
	}
	leftWrapped := wrapUp(left, rootLayer, keyLayer-1)
	rightWrapped := wrapUp(right, rootLayer, keyLayer-1)
	newRoot := &Node{
		Layer:   keyLayer,
		Left:    leftWrapped,
		Entries: []entry{{Key: append([]byte{}, key...), Val: val, Right: rightWrapped}},
	}
	return wrapChild(newRoot), nil
}

// insertNew inserts key (known absent) into the subtree at the given
// layer, splitting the subtree it lands in when layer matches, or
// descending one layer at a time otherwise.
func insertNew(ctx context.Context, store blockstore.Store, child *Child, layer int, key []byte, val cid.Cid) (*Child, error) {
	if layer == Layer(key) {
		return insertAtLayer(ctx, store, child, layer, key, val)
	}
	// layer > Layer(key): descend.
	var node *Node
	if child != nil {
		n, err := child.Resolve(ctx, store)
		if err != nil {
			return nil, err
		}
		node = n
	} else {
		node = &Node{Layer: layer}
	}

	i := sort.Search(len(node.Entries), func(i int) bool { return compareKeys(node.Entries[i].Key, key) > 0 })
	var spanning *Child
	if i == 0 {
		spanning = node.Left
	} else {
		spanning = node.Entries[i-1].Right
	}
	newSub, err := insertNew(ctx, store, spanning, layer-1, key, val)
	if err != nil {
		return nil, err
	}

	newEntries := append([]entry{}, node.Entries...)
	newNode := &Node{Layer: layer}
	if i == 0 {
		newNode.Left = newSub
		newNode.Entries = newEntries
	} else {
		newEntries[i-1].Right = newSub
		newNode.Left = node.Left
		newNode.Entries = newEntries
	}
	return wrapChild(newNode), nil
}

func insertAtLayer(ctx context.Context, store blockstore.Store, child *Child, layer int, key []byte, val cid.Cid) (*Child, error) {
	var node *Node
	if child != nil {
		n, err := child.Resolve(ctx, store)
		if err != nil {
			return nil, err
		}
		node = n
	} else {
		node = &Node{Layer: layer}
	}

	i := sort.Search(len(node.Entries), func(i int) bool { return compareKeys(node.Entries[i].Key, key) > 0 })
	var spanning *Child
	if i == 0 {
		spanning = node.Left
	} else {
		spanning = node.Entries[i-1].Right
	}
	leftPart, rightPart, err := splitChild(ctx, store, spanning, key)
	if err != nil {
		return nil, err
	}

	newEntries := make([]entry, 0, len(node.Entries)+1)
	newEntries = append(newEntries, node.Entries[:i]...)
	if i > 0 {
		newEntries[i-1].Right = leftPart
	}
	newEntries = append(newEntries, entry{Key: append([]byte{}, key...), Val: val, Right: rightPart})
	newEntries = append(newEntries, node.Entries[i:]...)

	newNode := &Node{Layer: layer, Entries: newEntries}
	if i == 0 {
		newNode.Left = leftPart
	} else {
		newNode.Left = node.Left
	}
	return wrapChild(newNode), nil
}

// replaceAt descends to the node holding key (guaranteed present) and
// returns a copy-on-write tree with its value replaced.
func replaceAt(ctx context.Context, store blockstore.Store, child *Child, key []byte, val cid.Cid) (*Child, cid.Cid, error) {
	node, err := child.Resolve(ctx, store)
	if err != nil {
		return nil, cid.Undef, err
	}
	kl := Layer(key)
	if kl == node.Layer {
		i := sort.Search(len(node.Entries), func(i int) bool { return compareKeys(node.Entries[i].Key, key) >= 0 })
		prev := node.Entries[i].Val
		newEntries := append([]entry{}, node.Entries...)
		newEntries[i] = entry{Key: node.Entries[i].Key, Val: val, Right: node.Entries[i].Right}
		newNode := &Node{Layer: node.Layer, Left: node.Left, Entries: newEntries}
		return wrapChild(newNode), prev, nil
	}

	i := sort.Search(len(node.Entries), func(i int) bool { return compareKeys(node.Entries[i].Key, key) > 0 })
	var spanning *Child
	if i == 0 {
		spanning = node.Left
	} else {
		spanning = node.Entries[i-1].Right
	}
	newSub, prev, err := replaceAt(ctx, store, spanning, key, val)
	if err != nil {
		return nil, cid.Undef, err
	}

	newEntries := append([]entry{}, node.Entries...)
	newNode := &Node{Layer: node.Layer}
	if i == 0 {
		newNode.Left = newSub
		newNode.Entries = newEntries
	} else {
		newEntries[i-1].Right = newSub
		newNode.Left = node.Left
		newNode.Entries = newEntries
	}
	return wrapChild(newNode), prev, nil
}

// removeAt descends to the node holding key (guaranteed present),
// removes it, and append-merges the two subtrees it used to
// separate.
func removeAt(ctx context.Context, store blockstore.Store, child *Child, layer int, key []byte) (*Child, cid.Cid, error) {
	node, err := child.Resolve(ctx, store)
	if err != nil {
		return nil, cid.Undef, err
	}
	if layer == node.Layer {
		i := sort.Search(len(node.Entries), func(i int) bool { return compareKeys(node.Entries[i].Key, key) >= 0 })
		removed := node.Entries[i].Val

		var leftOfI *Child
		if i == 0 {
			leftOfI = node.Left
		} else {
			leftOfI = node.Entries[i-1].Right
		}
		merged, err := mergeChildren(ctx, store, leftOfI, node.Entries[i].Right)
		if err != nil {
			return nil, cid.Undef, err
		}

		rest := append([]entry{}, node.Entries[i+1:]...)
		newNode := &Node{Layer: layer}
		if i == 0 {
			newNode.Left = merged
			newNode.Entries = rest
		} else {
			head := append([]entry{}, node.Entries[:i]...)
			head[i-1].Right = merged
			newNode.Left = node.Left
			newNode.Entries = append(head, rest...)
		}
		return wrapChild(newNode), removed, nil
	}

	i := sort.Search(len(node.Entries), func(i int) bool { return compareKeys(node.Entries[i].Key, key) > 0 })
	var spanning *Child
	if i == 0 {
		spanning = node.Left
	} else {
		spanning = node.Entries[i-1].Right
	}
	newSub, removed, err := removeAt(ctx, store, spanning, layer-1, key)
	if err != nil {
		return nil, cid.Undef, err
	}

	newEntries := append([]entry{}, node.Entries...)
	newNode := &Node{Layer: node.Layer}
	if i == 0 {
		newNode.Left = newSub
		newNode.Entries = newEntries
	} else {
		newEntries[i-1].Right = newSub
		newNode.Left = node.Left
		newNode.Entries = newEntries
	}
	return wrapChild(newNode), removed, nil
}
