// Package repo implements component E: the commit engine tying the
// blockstore, MST, record projection, and event sequencer into atomic
// repository writes.
package repo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/primal-host/solo-pds/internal/blockstore"
	"github.com/primal-host/solo-pds/internal/car"
	"github.com/primal-host/solo-pds/internal/codec"
	"github.com/primal-host/solo-pds/internal/events"
	"github.com/primal-host/solo-pds/internal/mst"
	"github.com/primal-host/solo-pds/internal/pdserr"
	"github.com/primal-host/solo-pds/internal/records"
)

// RootInfo is the singleton RepoRoot.
type RootInfo struct {
	DID       string
	CommitCID cid.Cid
	Rev       string
}

// CommitInfo is the {cid, rev} pair every write response and sync
// endpoint surfaces for the commit it produced or describes.
type CommitInfo struct {
	CID cid.Cid
	Rev string
}

// WriteOp is one operation within apply_writes' atomic batch (spec
// §4.E).
type WriteOp struct {
	Action     string // "create", "update", "delete"
	Collection string
	RKey       string // required for update/delete; optional for create
	Record     map[string]any
}

// WriteResult describes one write's outcome within a commit.
type WriteResult struct {
	URI string
	CID cid.Cid
}

// Manager is the single repository's commit engine. All writes go
// through it, serialized by mu — there is exactly one writer for the
// life of the process.
type Manager struct {
	pool    *pgxpool.Pool
	records *records.Postgres
	seq     *events.Manager
	did     string
	priv    atcrypto.PrivateKeyExportable
	clock   *syntax.TIDClock

	mu sync.Mutex
}

// NewManager builds a commit engine for the one repository this
// server hosts.
func NewManager(pool *pgxpool.Pool, rec *records.Postgres, seq *events.Manager, did string, priv atcrypto.PrivateKeyExportable) *Manager {
	clock := syntax.NewTIDClock(0)
	return &Manager{pool: pool, records: rec, seq: seq, did: did, priv: priv, clock: &clock}
}

// InitRepo creates the empty repository if none exists yet. Safe to
// call on every startup.
func (m *Manager) InitRepo(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := loadRoot(ctx, m.pool)
	if err == nil {
		return nil
	}
	if !pdserr.Is(err, pdserr.KindNotFound) {
		return err
	}

	tracking := blockstore.NewTracking(blockstore.NewMem())
	tree := mst.Empty(tracking)

	if _, err := m.writeCommit(ctx, tracking, nil, tree, nil); err != nil {
		return fmt.Errorf("repo: init: %w", err)
	}
	return nil
}

// RecoverSequencer reconciles repo_root against commit_log on startup.
// writeCommit treats ROOT_UPDATED as durable and lets a sequencer
// failure pass silently, so a crash in that window
// leaves the root pointing at a commit no firehose frame was ever
// emitted for. This detects that gap and replays exactly one
// synthetic commit event so a subscriber never silently misses a
// write. A no-op when the log already agrees with the root, which is
// the common case on every normal restart.
func (m *Manager) RecoverSequencer(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, err := loadRoot(ctx, m.pool)
	if err != nil {
		if pdserr.Is(err, pdserr.KindNotFound) {
			return nil
		}
		return err
	}

	logged, err := lastLoggedCommit(ctx, m.pool)
	if err != nil {
		return err
	}
	if logged != nil && logged.Equals(root.CommitCID) {
		return nil
	}

	mem, err := blockstore.LoadAll(ctx, m.pool)
	if err != nil {
		return err
	}

	commitData, err := mem.Get(ctx, root.CommitCID)
	if err != nil {
		return err
	}
	commit, err := DecodeCommit(commitData)
	if err != nil {
		return pdserr.Wrap("repo.RecoverSequencer", pdserr.KindIntegrity, err)
	}

	newTree, err := mst.LoadFromStore(ctx, mem, commit.Data)
	if err != nil {
		return err
	}

	var oldTree *mst.Tree
	var since string
	if commit.Prev != nil {
		prevData, err := mem.Get(ctx, *commit.Prev)
		if err != nil {
			return err
		}
		prevCommit, err := DecodeCommit(prevData)
		if err != nil {
			return pdserr.Wrap("repo.RecoverSequencer", pdserr.KindIntegrity, err)
		}
		since = prevCommit.Rev
		oldTree, err = mst.LoadFromStore(ctx, mem, prevCommit.Data)
		if err != nil {
			return err
		}
	}

	ops, err := diffOps(ctx, oldTree, newTree)
	if err != nil {
		return err
	}

	batch := map[string][]byte{root.CommitCID.KeyString(): commitData}
	_, nodeBlocks, err := newTree.AllNodeBlocks(ctx)
	if err != nil {
		return err
	}
	for k, v := range nodeBlocks {
		batch[k] = v
	}
	for _, op := range ops {
		if op.CID == nil {
			continue
		}
		data, err := mem.Get(ctx, *op.CID)
		if err != nil {
			return err
		}
		batch[op.CID.KeyString()] = data
	}

	diffCAR, err := encodeDiffCAR(ctx, root.CommitCID, batch)
	if err != nil {
		return err
	}

	log.Printf("repo: recovering unsequenced commit cid=%s rev=%s", root.CommitCID, commit.Rev)
	_, err = m.seq.EmitCommit(ctx, events.CommitPayload{
		Repo:    m.did,
		Commit:  root.CommitCID,
		Prev:    commit.Prev,
		Rev:     commit.Rev,
		Since:   since,
		Ops:     ops,
		Blocks:  diffCAR,
		TimeRFC: nowRFC3339(),
	})
	return err
}

// lastLoggedCommit returns the commit cid named by the most recently
// persisted commit_log row, or nil if the log is empty or its tip is
// a non-commit (info) frame.
func lastLoggedCommit(ctx context.Context, pool *pgxpool.Pool) (*cid.Cid, error) {
	var kind string
	var body []byte
	err := pool.QueryRow(ctx,
		`SELECT kind, body FROM commit_log ORDER BY seq DESC LIMIT 1`,
	).Scan(&kind, &body)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pdserr.Wrap("repo.lastLoggedCommit", pdserr.KindTransient, err)
	}
	if kind != string(events.KindCommit) {
		return nil, nil
	}

	decoded, err := codec.Decode(body)
	if err != nil {
		return nil, pdserr.Wrap("repo.lastLoggedCommit", pdserr.KindIntegrity, err)
	}
	asMap, ok := decoded.(map[string]any)
	if !ok {
		return nil, pdserr.New("repo.lastLoggedCommit", pdserr.KindIntegrity, "commit_log body is not a map")
	}
	c, ok := asMap["commit"].(cid.Cid)
	if !ok {
		return nil, pdserr.New("repo.lastLoggedCommit", pdserr.KindIntegrity, "commit_log body missing commit cid")
	}
	return &c, nil
}

// CreateRecord assigns a fresh TID rkey and writes the record.
func (m *Manager) CreateRecord(ctx context.Context, collection string, record map[string]any) (WriteResult, CommitInfo, error) {
	return m.PutRecord(ctx, collection, m.clock.Next().String(), record)
}

// PutRecord creates or updates a record at collection/rkey.
func (m *Manager) PutRecord(ctx context.Context, collection, rkey string, record map[string]any) (WriteResult, CommitInfo, error) {
	path := collection + "/" + rkey
	if err := mst.ValidateKey([]byte(path)); err != nil {
		return WriteResult{}, CommitInfo{}, err
	}

	rawJSON, err := codec.EncodeRecord(record)
	if err != nil {
		return WriteResult{}, CommitInfo{}, pdserr.Wrap("repo.PutRecord", pdserr.KindInvalidInput, err)
	}
	recordCID, err := codec.CIDForBytes(rawJSON)
	if err != nil {
		return WriteResult{}, CommitInfo{}, pdserr.Wrap("repo.PutRecord", pdserr.KindInvalidInput, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tracking, oldTree, root, err := m.openRepo(ctx)
	if err != nil {
		return WriteResult{}, CommitInfo{}, err
	}

	if err := tracking.Put(ctx, recordCID, rawJSON); err != nil {
		return WriteResult{}, CommitInfo{}, err
	}

	_, existed, err := oldTree.Get(ctx, []byte(path))
	if err != nil {
		return WriteResult{}, CommitInfo{}, err
	}
	var newTree *mst.Tree
	if existed {
		newTree, err = oldTree.Update(ctx, []byte(path), recordCID)
	} else {
		newTree, err = oldTree.Add(ctx, []byte(path), recordCID)
	}
	if err != nil {
		return WriteResult{}, CommitInfo{}, pdserr.Wrap("repo.PutRecord", pdserr.KindConflict, err)
	}

	uri := atURI(m.did, collection, rkey)
	commitInfo, err := m.writeCommit(ctx, tracking, oldTree, newTree,
		[]pendingRecord{{uri: uri, cid: recordCID, json: rawJSON}})
	if err != nil {
		return WriteResult{}, CommitInfo{}, err
	}
	_ = root
	return WriteResult{URI: uri, CID: recordCID}, commitInfo, nil
}

// DeleteRecord removes collection/rkey, failing with NotFound if it
// does not exist.
func (m *Manager) DeleteRecord(ctx context.Context, collection, rkey string) (CommitInfo, error) {
	path := collection + "/" + rkey

	m.mu.Lock()
	defer m.mu.Unlock()

	tracking, oldTree, _, err := m.openRepo(ctx)
	if err != nil {
		return CommitInfo{}, err
	}

	if _, existed, err := oldTree.Get(ctx, []byte(path)); err != nil {
		return CommitInfo{}, err
	} else if !existed {
		return CommitInfo{}, pdserr.Wrap("repo.DeleteRecord", pdserr.KindNotFound, fmt.Errorf("%w: %s", pdserr.ErrKeyNotFound, path))
	}

	newTree, err := oldTree.Delete(ctx, []byte(path))
	if err != nil {
		return CommitInfo{}, pdserr.Wrap("repo.DeleteRecord", pdserr.KindConflict, err)
	}

	uri := atURI(m.did, collection, rkey)
	return m.writeCommit(ctx, tracking, oldTree, newTree, []pendingRecord{{uri: uri, deleted: true}})
}

// ApplyWrites applies a batch of ops atomically under one commit.
func (m *Manager) ApplyWrites(ctx context.Context, ops []WriteOp) ([]WriteResult, CommitInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracking, oldTree, _, err := m.openRepo(ctx)
	if err != nil {
		return nil, CommitInfo{}, err
	}

	var results []WriteResult
	var pending []pendingRecord
	curTree := oldTree

	for _, op := range ops {
		rkey := op.RKey
		if op.Action == "create" && rkey == "" {
			rkey = m.clock.Next().String()
		}
		path := op.Collection + "/" + rkey
		if err := mst.ValidateKey([]byte(path)); err != nil {
			return nil, CommitInfo{}, err
		}
		uri := atURI(m.did, op.Collection, rkey)

		switch op.Action {
		case "create", "update":
			rawJSON, err := codec.EncodeRecord(op.Record)
			if err != nil {
				return nil, CommitInfo{}, pdserr.Wrap("repo.ApplyWrites", pdserr.KindInvalidInput, err)
			}
			recordCID, err := codec.CIDForBytes(rawJSON)
			if err != nil {
				return nil, CommitInfo{}, pdserr.Wrap("repo.ApplyWrites", pdserr.KindInvalidInput, err)
			}
			if err := tracking.Put(ctx, recordCID, rawJSON); err != nil {
				return nil, CommitInfo{}, err
			}
			_, existed, err := curTree.Get(ctx, []byte(path))
			if err != nil {
				return nil, CommitInfo{}, err
			}
			if existed {
				curTree, err = curTree.Update(ctx, []byte(path), recordCID)
			} else {
				curTree, err = curTree.Add(ctx, []byte(path), recordCID)
			}
			if err != nil {
				return nil, CommitInfo{}, pdserr.Wrap("repo.ApplyWrites", pdserr.KindConflict, err)
			}
			pending = append(pending, pendingRecord{uri: uri, cid: recordCID, json: rawJSON})
			results = append(results, WriteResult{URI: uri, CID: recordCID})
		case "delete":
			if _, existed, err := curTree.Get(ctx, []byte(path)); err != nil {
				return nil, CommitInfo{}, err
			} else if !existed {
				return nil, CommitInfo{}, pdserr.Wrap("repo.ApplyWrites", pdserr.KindNotFound, fmt.Errorf("%w: %s", pdserr.ErrKeyNotFound, path))
			}
			curTree, err = curTree.Delete(ctx, []byte(path))
			if err != nil {
				return nil, CommitInfo{}, pdserr.Wrap("repo.ApplyWrites", pdserr.KindConflict, err)
			}
			pending = append(pending, pendingRecord{uri: uri, deleted: true})
			results = append(results, WriteResult{URI: uri})
		default:
			return nil, CommitInfo{}, pdserr.New("repo.ApplyWrites", pdserr.KindInvalidInput, "unknown op action "+op.Action)
		}
	}

	commitInfo, err := m.writeCommit(ctx, tracking, oldTree, curTree, pending)
	if err != nil {
		return nil, CommitInfo{}, err
	}
	return results, commitInfo, nil
}

// GetRecord reads a record by collection/rkey from the record
// projection rather than walking the MST.
func (m *Manager) GetRecord(ctx context.Context, collection, rkey string) (cid.Cid, map[string]any, error) {
	uri := atURI(m.did, collection, rkey)
	entry, ok, err := m.records.Get(ctx, uri)
	if err != nil {
		return cid.Undef, nil, err
	}
	if !ok {
		return cid.Undef, nil, pdserr.Wrap("repo.GetRecord", pdserr.KindNotFound, fmt.Errorf("%w: %s", pdserr.ErrKeyNotFound, uri))
	}
	rec, err := codec.DecodeRecord(entry.JSON)
	if err != nil {
		return cid.Undef, nil, pdserr.Wrap("repo.GetRecord", pdserr.KindIntegrity, err)
	}
	return entry.CID, rec, nil
}

// ListRecords lists records in a collection.
func (m *Manager) ListRecords(ctx context.Context, collection string, limit int, cursor string) ([]records.Entry, string, error) {
	// Stored URIs are full at:// URIs, so the listing prefix includes the DID.
	return m.records.List(ctx, "at://"+m.did+"/"+collection, limit, cursor)
}

// DescribeRepo returns the distinct collection NSIDs present.
func (m *Manager) DescribeRepo(ctx context.Context) ([]string, error) {
	_, tree, _, err := m.openRepo(ctx)
	if err != nil {
		return nil, err
	}
	all, err := tree.List(ctx, 0, nil, nil)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, kv := range all {
		if idx := strings.Index(kv.Key, "/"); idx > 0 {
			c := kv.Key[:idx]
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// GetRoot returns the current RepoRoot.
func (m *Manager) GetRoot(ctx context.Context) (RootInfo, error) {
	return loadRoot(ctx, m.pool)
}

// GetLatestCommit returns {cid, rev} for the current head.
func (m *Manager) GetLatestCommit(ctx context.Context) (CommitInfo, error) {
	root, err := loadRoot(ctx, m.pool)
	if err != nil {
		return CommitInfo{}, err
	}
	return CommitInfo{CID: root.CommitCID, Rev: root.Rev}, nil
}

// ExportRepo writes a full CAR v1 archive of the repository's
// currently-reachable state: the commit block, every MST node
// reachable from its data root, and every record leaf.
func (m *Manager) ExportRepo(ctx context.Context, w io.Writer) error {
	tracking, tree, root, err := m.openRepo(ctx)
	if err != nil {
		return err
	}
	if root == nil {
		return pdserr.Wrap("repo.ExportRepo", pdserr.KindNotFound, pdserr.ErrNoRepo)
	}

	commitData, err := tracking.Get(ctx, root.CommitCID)
	if err != nil {
		return err
	}

	_, nodeBlocks, err := tree.AllNodeBlocks(ctx)
	if err != nil {
		return err
	}
	nodeBlocks[root.CommitCID.KeyString()] = commitData

	all, err := tree.List(ctx, 0, nil, nil)
	if err != nil {
		return err
	}
	for _, kv := range all {
		data, err := tracking.Get(ctx, kv.Val)
		if err != nil {
			return err
		}
		nodeBlocks[kv.Val.KeyString()] = data
	}

	return car.WriteCAR(ctx, w, []cid.Cid{root.CommitCID}, car.SliceSource(nodeBlocks))
}

// ExportRecord writes a CAR v1 archive containing the commit block,
// the record block at collection/rkey, and the MST node path proving
// that record's inclusion under the commit's data root — the sync
// counterpart to GetRecord's plain JSON read, for clients that verify
// a record against the repository's signed root rather than trusting
// this server's projection table.
func (m *Manager) ExportRecord(ctx context.Context, w io.Writer, collection, rkey string) error {
	tracking, tree, root, err := m.openRepo(ctx)
	if err != nil {
		return err
	}
	if root == nil {
		return pdserr.Wrap("repo.ExportRecord", pdserr.KindNotFound, pdserr.ErrNoRepo)
	}

	path := collection + "/" + rkey
	recordCID, found, nodeBlocks, err := tree.ProofPath(ctx, []byte(path))
	if err != nil {
		return err
	}
	if !found {
		return pdserr.Wrap("repo.ExportRecord", pdserr.KindNotFound, fmt.Errorf("%w: %s", pdserr.ErrKeyNotFound, path))
	}

	recordData, err := tracking.Get(ctx, recordCID)
	if err != nil {
		return err
	}
	nodeBlocks[recordCID.KeyString()] = recordData

	commitData, err := tracking.Get(ctx, root.CommitCID)
	if err != nil {
		return err
	}
	nodeBlocks[root.CommitCID.KeyString()] = commitData

	return car.WriteCAR(ctx, w, []cid.Cid{root.CommitCID}, car.SliceSource(nodeBlocks))
}

// ExportBlocks returns a CAR archive containing only the requested
// CIDs that exist.
func (m *Manager) ExportBlocks(ctx context.Context, w io.Writer, cids []cid.Cid) error {
	tracking, _, root, err := m.openRepo(ctx)
	if err != nil {
		return err
	}
	blocks := map[string][]byte{}
	for _, c := range cids {
		data, err := tracking.Get(ctx, c)
		if pdserr.Is(err, pdserr.KindNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		blocks[c.KeyString()] = data
	}
	var roots []cid.Cid
	if root != nil {
		roots = []cid.Cid{root.CommitCID}
	}
	return car.WriteCAR(ctx, w, roots, car.SliceSource(blocks))
}

// ExportRange streams only the blocks introduced by commits with
// since < rev, reusing each commit's
// already-persisted diff CAR from the sequencer's log rather than
// re-deriving it from the MST.
func (m *Manager) ExportRange(ctx context.Context, w io.Writer, since string, persister *events.Persister) error {
	root, err := loadRoot(ctx, m.pool)
	if err != nil {
		return err
	}

	merged := map[string][]byte{}
	err = persister.Replay(ctx, 0, func(seq int64, kind events.Kind, body []byte) error {
		if kind != events.KindCommit {
			return nil
		}
		v, derr := codec.Decode(body)
		if derr != nil {
			return derr
		}
		bm, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("repo: export_range: commit body is not a map")
		}
		rev, _ := bm["rev"].(string)
		if since != "" && rev <= since {
			return nil
		}
		carBytes, _ := bm["blocks"].([]byte)
		if len(carBytes) == 0 {
			return nil
		}
		_, blocks, rerr := car.ReadAll(ctx, bytes.NewReader(carBytes))
		if rerr != nil {
			return rerr
		}
		for k, v := range blocks {
			merged[k] = v
		}
		return nil
	})
	if err != nil {
		return err
	}
	return car.WriteCAR(ctx, w, []cid.Cid{root.CommitCID}, car.SliceSource(merged))
}

// pendingRecord is one record-store mutation applied alongside a
// commit's block writes.
type pendingRecord struct {
	uri     string
	cid     cid.Cid
	json    []byte
	deleted bool
}

// openRepo loads every block into memory, wraps it for dirty-block
// tracking, and rebuilds the MST from the current root (or an empty
// tree if none exists yet, with a nil RootInfo).
func (m *Manager) openRepo(ctx context.Context) (*blockstore.Tracking, *mst.Tree, *RootInfo, error) {
	mem, err := blockstore.LoadAll(ctx, m.pool)
	if err != nil {
		return nil, nil, nil, err
	}
	tracking := blockstore.NewTracking(mem)

	root, err := loadRoot(ctx, m.pool)
	if err != nil {
		if pdserr.Is(err, pdserr.KindNotFound) {
			return tracking, mst.Empty(tracking), nil, nil
		}
		return nil, nil, nil, err
	}

	commitData, err := tracking.Get(ctx, root.CommitCID)
	if err != nil {
		return nil, nil, nil, err
	}
	commit, err := DecodeCommit(commitData)
	if err != nil {
		return nil, nil, nil, pdserr.Wrap("repo.openRepo", pdserr.KindIntegrity, err)
	}

	tree, err := mst.LoadFromStore(ctx, tracking, commit.Data)
	if err != nil {
		return nil, nil, nil, err
	}
	return tracking, tree, &root, nil
}

// writeCommit runs the rest of a commit once the new tree is built:
// compute unstored blocks, build and sign the new commit, write
// everything in one batch, update RepoRoot, diff the old and new trees
// for ops[], and hand the result to the sequencer.
func (m *Manager) writeCommit(ctx context.Context, tracking *blockstore.Tracking, oldTree, newTree *mst.Tree, pending []pendingRecord) (CommitInfo, error) {
	newDataCID, nodeBlocks, err := newTree.UnstoredBlocks(ctx)
	if err != nil {
		return CommitInfo{}, err
	}

	root, err := loadRoot(ctx, m.pool)
	var prevCommitCID *cid.Cid
	var prevRev string
	haveRoot := err == nil
	if err != nil && !pdserr.Is(err, pdserr.KindNotFound) {
		return CommitInfo{}, err
	}
	if haveRoot {
		c := root.CommitCID
		prevCommitCID = &c
		prevRev = root.Rev
	}

	rev := m.nextRev(prevRev)

	commit := Commit{DID: m.did, Version: RepoVersion, Prev: prevCommitCID, Data: newDataCID, Rev: rev}
	if err := commit.Sign(m.priv); err != nil {
		return CommitInfo{}, pdserr.Wrap("repo.writeCommit", pdserr.KindIntegrity, err)
	}
	commitCID, commitBytes, err := commit.Encode()
	if err != nil {
		return CommitInfo{}, err
	}

	batch := map[string][]byte{commitCID.KeyString(): commitBytes}
	for k, v := range nodeBlocks {
		batch[k] = v
	}
	for k, v := range tracking.NewBlocks() {
		if _, ok := batch[k]; !ok {
			batch[k] = v
		}
	}

	ops, err := diffOps(ctx, oldTree, newTree)
	if err != nil {
		return CommitInfo{}, err
	}

	diffCAR, err := encodeDiffCAR(ctx, commitCID, batch)
	if err != nil {
		return CommitInfo{}, err
	}

	if err := persistBatch(ctx, m.pool, batch); err != nil {
		return CommitInfo{}, err
	}
	for _, p := range pending {
		if p.deleted {
			if err := m.records.Delete(ctx, p.uri); err != nil {
				return CommitInfo{}, err
			}
			continue
		}
		if err := m.records.Put(ctx, p.uri, p.cid, p.json); err != nil {
			return CommitInfo{}, err
		}
	}
	if err := setRoot(ctx, m.pool, m.did, commitCID, rev); err != nil {
		return CommitInfo{}, err
	}

	// From here on the commit is durable (ROOT_UPDATED); a sequencer
	// failure is repaired by recovery on next startup, not surfaced as
	// a write failure.
	if _, err := m.seq.EmitCommit(ctx, events.CommitPayload{
		Repo:    m.did,
		Commit:  commitCID,
		Prev:    prevCommitCID,
		Rev:     rev,
		Since:   prevRev,
		Ops:     ops,
		Blocks:  diffCAR,
		TimeRFC: nowRFC3339(),
	}); err != nil {
		return CommitInfo{CID: commitCID, Rev: rev}, nil
	}

	return CommitInfo{CID: commitCID, Rev: rev}, nil
}

// nextRev issues the next TID, forcing strict monotonicity against
// the previously persisted rev even across a process restart where
// this Manager's clock starts cold.
func (m *Manager) nextRev(prevRev string) string {
	rev := m.clock.Next().String()
	for prevRev != "" && rev <= prevRev {
		rev = m.clock.Next().String()
	}
	return rev
}

// diffOps compares oldTree (nil for the genesis commit) against
// newTree by listing both in full and merge-comparing by key — a
// simplification of walking both trees layer-by-layer in lockstep,
// trading a second full traversal for that complexity. Correct, just
// not the most I/O-efficient possible implementation.
func diffOps(ctx context.Context, oldTree, newTree *mst.Tree) ([]events.Op, error) {
	var oldKV, newKV []mst.KV
	var err error
	if oldTree != nil {
		oldKV, err = oldTree.List(ctx, 0, nil, nil)
		if err != nil {
			return nil, err
		}
	}
	newKV, err = newTree.List(ctx, 0, nil, nil)
	if err != nil {
		return nil, err
	}

	i, j := 0, 0
	var ops []events.Op
	for i < len(oldKV) || j < len(newKV) {
		switch {
		case j >= len(newKV) || (i < len(oldKV) && oldKV[i].Key < newKV[j].Key):
			ops = append(ops, events.Op{Action: "delete", Path: oldKV[i].Key})
			i++
		case i >= len(oldKV) || newKV[j].Key < oldKV[i].Key:
			c := newKV[j].Val
			ops = append(ops, events.Op{Action: "create", Path: newKV[j].Key, CID: &c})
			j++
		default:
			if !oldKV[i].Val.Equals(newKV[j].Val) {
				c := newKV[j].Val
				ops = append(ops, events.Op{Action: "update", Path: newKV[j].Key, CID: &c})
			}
			i++
			j++
		}
	}
	return ops, nil
}

// encodeDiffCAR builds the CAR archive the sequencer attaches to a
// commit frame: the new commit block plus every unstored MST node and
// record block from this write.
func encodeDiffCAR(ctx context.Context, commitCID cid.Cid, batch map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := car.WriteCAR(ctx, &buf, []cid.Cid{commitCID}, car.SliceSource(batch)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func persistBatch(ctx context.Context, pool *pgxpool.Pool, batch map[string][]byte) error {
	pg := blockstore.NewPostgres(pool)
	return pg.PutMany(ctx, batch)
}

func atURI(did, collection, rkey string) string {
	return "at://" + did + "/" + collection + "/" + rkey
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// loadRoot loads the repo root from Postgres.
func loadRoot(ctx context.Context, pool *pgxpool.Pool) (RootInfo, error) {
	var did, cidStr, rev string
	err := pool.QueryRow(ctx,
		`SELECT did, commit_cid, rev FROM repo_root WHERE id = 1`,
	).Scan(&did, &cidStr, &rev)
	if err == pgx.ErrNoRows {
		return RootInfo{}, pdserr.Wrap("repo.loadRoot", pdserr.KindNotFound, pdserr.ErrNoRepo)
	}
	if err != nil {
		return RootInfo{}, pdserr.Wrap("repo.loadRoot", pdserr.KindTransient, err)
	}
	c, err := cid.Decode(cidStr)
	if err != nil {
		return RootInfo{}, pdserr.Wrap("repo.loadRoot", pdserr.KindIntegrity, err)
	}
	return RootInfo{DID: did, CommitCID: c, Rev: rev}, nil
}

// setRoot inserts or updates the singleton repo_root row.
func setRoot(ctx context.Context, pool *pgxpool.Pool, did string, commitCID cid.Cid, rev string) error {
	_, err := pool.Exec(ctx,
		`INSERT INTO repo_root (id, did, commit_cid, rev)
		 VALUES (1, $1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET commit_cid = $2, rev = $3, updated_at = NOW()`,
		did, commitCID.String(), rev)
	if err != nil {
		return pdserr.Wrap("repo.setRoot", pdserr.KindTransient, err)
	}
	return nil
}
