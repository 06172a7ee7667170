package blockstore

import (
	"context"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/primal-host/solo-pds/internal/codec"
	"github.com/primal-host/solo-pds/internal/pdserr"
)

// Postgres is the durable Store backing the repository's blocks (spec
// §6's "blocks" table, one row per (cid, data) pair).
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM blocks WHERE cid = $1`, c.String()).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, pdserr.Wrap("blockstore.Get", pdserr.KindNotFound, fmt.Errorf("%w: %s", pdserr.ErrKeyNotFound, c))
	}
	if err != nil {
		return nil, pdserr.Wrap("blockstore.Get", pdserr.KindTransient, err)
	}
	if len(data) == 0 {
		// A prior bad write of an empty row is treated as missing.
		return nil, pdserr.Wrap("blockstore.Get", pdserr.KindNotFound, fmt.Errorf("%w: %s", pdserr.ErrKeyNotFound, c))
	}
	return data, nil
}

func (p *Postgres) GetMany(ctx context.Context, cs []cid.Cid) (map[string][]byte, error) {
	if len(cs) == 0 {
		return map[string][]byte{}, nil
	}
	strs := make([]string, len(cs))
	for i, c := range cs {
		strs[i] = c.String()
	}
	rows, err := p.pool.Query(ctx, `SELECT cid, data FROM blocks WHERE cid = ANY($1)`, strs)
	if err != nil {
		return nil, pdserr.Wrap("blockstore.GetMany", pdserr.KindTransient, err)
	}
	defer rows.Close()

	out := make(map[string][]byte, len(cs))
	for rows.Next() {
		var cidStr string
		var data []byte
		if err := rows.Scan(&cidStr, &data); err != nil {
			return nil, pdserr.Wrap("blockstore.GetMany", pdserr.KindTransient, err)
		}
		if len(data) == 0 {
			continue
		}
		c, err := cid.Decode(cidStr)
		if err != nil {
			return nil, pdserr.Wrap("blockstore.GetMany", pdserr.KindIntegrity, err)
		}
		out[c.KeyString()] = data
	}
	return out, rows.Err()
}

func (p *Postgres) Has(ctx context.Context, c cid.Cid) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM blocks WHERE cid = $1 AND length(data) > 0)`, c.String(),
	).Scan(&exists)
	if err != nil {
		return false, pdserr.Wrap("blockstore.Has", pdserr.KindTransient, err)
	}
	return exists, nil
}

// Put verifies c == CIDForBytes(data) before writing, then inserts
// idempotently — blocks are content-addressed, so a re-put of the
// same CID is a no-op.
func (p *Postgres) Put(ctx context.Context, c cid.Cid, data []byte) error {
	if err := codec.VerifyCID(c, data); err != nil {
		return pdserr.Wrap("blockstore.Put", pdserr.KindIntegrity, err)
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO blocks (cid, data) VALUES ($1, $2) ON CONFLICT (cid) DO NOTHING`,
		c.String(), data)
	if err != nil {
		return pdserr.Wrap("blockstore.Put", pdserr.KindTransient, err)
	}
	return nil
}

// PutMany writes a batch in one round trip via pgx's batch API,
// atomic from the caller's perspective.
func (p *Postgres) PutMany(ctx context.Context, blocks map[string][]byte) error {
	if len(blocks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for k, data := range blocks {
		c, err := cid.Cast([]byte(k))
		if err != nil {
			return pdserr.Wrap("blockstore.PutMany", pdserr.KindInvalidInput, err)
		}
		if err := codec.VerifyCID(c, data); err != nil {
			return pdserr.Wrap("blockstore.PutMany", pdserr.KindIntegrity, err)
		}
		batch.Queue(`INSERT INTO blocks (cid, data) VALUES ($1, $2) ON CONFLICT (cid) DO NOTHING`, c.String(), data)
	}

	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range blocks {
		if _, err := br.Exec(); err != nil {
			return pdserr.Wrap("blockstore.PutMany", pdserr.KindTransient, err)
		}
	}
	return nil
}

// LoadAll reads every block into a fresh Mem store — used when
// opening a repository for mutation (internal/repo.openRepo).
func LoadAll(ctx context.Context, pool *pgxpool.Pool) (*Mem, error) {
	rows, err := pool.Query(ctx, `SELECT cid, data FROM blocks`)
	if err != nil {
		return nil, pdserr.Wrap("blockstore.LoadAll", pdserr.KindTransient, err)
	}
	defer rows.Close()

	mem := NewMem()
	for rows.Next() {
		var cidStr string
		var data []byte
		if err := rows.Scan(&cidStr, &data); err != nil {
			return nil, pdserr.Wrap("blockstore.LoadAll", pdserr.KindTransient, err)
		}
		c, err := cid.Decode(cidStr)
		if err != nil {
			return nil, pdserr.Wrap("blockstore.LoadAll", pdserr.KindIntegrity, err)
		}
		blk, err := blocks.NewBlockWithCid(data, c)
		if err != nil {
			return nil, pdserr.Wrap("blockstore.LoadAll", pdserr.KindIntegrity, err)
		}
		mem.blocks[c.KeyString()] = blk
	}
	return mem, rows.Err()
}

// PersistAll writes every block currently in mem to Postgres.
func PersistAll(ctx context.Context, pool *pgxpool.Pool, mem *Mem) error {
	pg := NewPostgres(pool)
	return mem.Each(func(c cid.Cid, data []byte) error {
		return pg.Put(ctx, c, data)
	})
}

// StreamAll opens a cursor over every block in the store and returns
// a pull function plus a closer. Since nothing is ever deleted during
// normal operation, every block currently in the
// table is reachable from some point in the repository's history, so
// this is a valid full repo export source without ever materializing
// the whole set in memory.
func StreamAll(ctx context.Context, pool *pgxpool.Pool) (next func(ctx context.Context) (cid.Cid, []byte, bool, error), closeFn func(), err error) {
	rows, err := pool.Query(ctx, `SELECT cid, data FROM blocks`)
	if err != nil {
		return nil, nil, pdserr.Wrap("blockstore.StreamAll", pdserr.KindTransient, err)
	}
	next = func(_ context.Context) (cid.Cid, []byte, bool, error) {
		if !rows.Next() {
			return cid.Undef, nil, false, rows.Err()
		}
		var cidStr string
		var data []byte
		if err := rows.Scan(&cidStr, &data); err != nil {
			return cid.Undef, nil, false, pdserr.Wrap("blockstore.StreamAll", pdserr.KindTransient, err)
		}
		c, err := cid.Decode(cidStr)
		if err != nil {
			return cid.Undef, nil, false, pdserr.Wrap("blockstore.StreamAll", pdserr.KindIntegrity, err)
		}
		return c, data, true, nil
	}
	return next, rows.Close, nil
}
