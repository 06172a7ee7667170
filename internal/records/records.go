// Package records implements component D: a uri -> {cid, json} side
// table. Read paths and op-diff computation resolve a record's bytes
// through here instead of walking the MST a second time; all writes
// still go through the commit engine (internal/repo), never directly
// against this package.
package records

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/primal-host/solo-pds/internal/pdserr"
)

// Entry is one record projection.
type Entry struct {
	URI  string
	CID  cid.Cid
	JSON []byte
}

// Store is the component D contract.
type Store interface {
	Get(ctx context.Context, uri string) (Entry, bool, error)
	Put(ctx context.Context, uri string, c cid.Cid, jsonBytes []byte) error
	Delete(ctx context.Context, uri string) error
	List(ctx context.Context, collection string, limit int, cursor string) ([]Entry, string, error)
}

// Mem is an in-memory Store, used by tests.
type Mem struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMem creates an empty in-memory record store.
func NewMem() *Mem {
	return &Mem{entries: make(map[string]Entry, 64)}
}

func (m *Mem) Get(_ context.Context, uri string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[uri]
	return e, ok, nil
}

func (m *Mem) Put(_ context.Context, uri string, c cid.Cid, jsonBytes []byte) error {
	if !c.Defined() {
		return pdserr.New("records.Put", pdserr.KindInvalidInput, "undefined cid")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[uri] = Entry{URI: uri, CID: c, JSON: jsonBytes}
	return nil
}

func (m *Mem) Delete(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[uri]; !ok {
		return pdserr.Wrap("records.Delete", pdserr.KindNotFound, fmt.Errorf("%w: %s", pdserr.ErrKeyNotFound, uri))
	}
	delete(m.entries, uri)
	return nil
}

// List returns entries in a collection in ascending rkey order,
// paginated by an opaque rkey cursor (the rkey of the last entry
// already returned).
func (m *Mem) List(_ context.Context, collection string, limit int, cursor string) ([]Entry, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := collection + "/"
	var matched []Entry
	for uri, e := range m.entries {
		if strings.HasPrefix(uri, prefix) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].URI < matched[j].URI })

	if limit <= 0 || limit > 100 {
		limit = 50
	}

	start := 0
	if cursor != "" {
		cursorURI := prefix + cursor
		for i, e := range matched {
			if e.URI == cursorURI {
				start = i + 1
				break
			}
		}
	}

	var out []Entry
	var next string
	for i := start; i < len(matched) && len(out) < limit; i++ {
		out = append(out, matched[i])
		if len(out) == limit && i+1 < len(matched) {
			next = strings.TrimPrefix(matched[i].URI, prefix)
		}
	}
	return out, next, nil
}
