package blockstore

// Tracking wraps a Mem store and records which CIDs were present at
// creation time. After a commit, NewBlocks returns only what was
// added since — the diff a firehose frame's CAR payload needs (spec
// §3 FirehoseEvent.blocks).
type Tracking struct {
	*Mem
	preloaded map[string]bool
}

// NewTracking snapshots bs's current keys as "preloaded".
func NewTracking(bs *Mem) *Tracking {
	pre := make(map[string]bool, bs.Len())
	for k := range bs.blocks {
		pre[k] = true
	}
	return &Tracking{Mem: bs, preloaded: pre}
}

// NewBlocks returns (cid, data) pairs added after the tracking
// snapshot was taken.
func (t *Tracking) NewBlocks() map[string][]byte {
	out := make(map[string][]byte)
	for k, blk := range t.Mem.blocks {
		if !t.preloaded[k] {
			out[k] = blk.RawData()
		}
	}
	return out
}
