package records

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/primal-host/solo-pds/internal/pdserr"
)

// Postgres is the durable Store backing a single repository's record
// projection.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool. The schema is created by
// internal/database at startup.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Get(ctx context.Context, uri string) (Entry, bool, error) {
	var cidStr string
	var jsonBytes []byte
	err := p.pool.QueryRow(ctx,
		`SELECT cid, json_bytes FROM records WHERE uri = $1`, uri,
	).Scan(&cidStr, &jsonBytes)
	if err == pgx.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, pdserr.Wrap("records.Get", pdserr.KindTransient, err)
	}
	c, err := cid.Decode(cidStr)
	if err != nil {
		return Entry{}, false, pdserr.Wrap("records.Get", pdserr.KindIntegrity, err)
	}
	return Entry{URI: uri, CID: c, JSON: jsonBytes}, true, nil
}

func (p *Postgres) Put(ctx context.Context, uri string, c cid.Cid, jsonBytes []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO records (uri, cid, json_bytes)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (uri) DO UPDATE SET cid = $2, json_bytes = $3`,
		uri, c.String(), jsonBytes)
	if err != nil {
		return pdserr.Wrap("records.Put", pdserr.KindTransient, fmt.Errorf("upsert %s: %w", uri, err))
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, uri string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM records WHERE uri = $1`, uri)
	if err != nil {
		return pdserr.Wrap("records.Delete", pdserr.KindTransient, err)
	}
	if tag.RowsAffected() == 0 {
		return pdserr.Wrap("records.Delete", pdserr.KindNotFound, fmt.Errorf("%w: %s", pdserr.ErrKeyNotFound, uri))
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, collection string, limit int, cursor string) ([]Entry, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	prefix := collection + "/"

	rows, err := p.pool.Query(ctx,
		`SELECT uri, cid, json_bytes FROM records
		 WHERE uri LIKE $1 AND uri > $2
		 ORDER BY uri ASC
		 LIMIT $3`,
		prefix+"%", prefix+cursor, limit+1)
	if err != nil {
		return nil, "", pdserr.Wrap("records.List", pdserr.KindTransient, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var uri, cidStr string
		var jsonBytes []byte
		if err := rows.Scan(&uri, &cidStr, &jsonBytes); err != nil {
			return nil, "", pdserr.Wrap("records.List", pdserr.KindTransient, err)
		}
		c, err := cid.Decode(cidStr)
		if err != nil {
			return nil, "", pdserr.Wrap("records.List", pdserr.KindIntegrity, err)
		}
		out = append(out, Entry{URI: uri, CID: c, JSON: jsonBytes})
	}
	if err := rows.Err(); err != nil {
		return nil, "", pdserr.Wrap("records.List", pdserr.KindTransient, err)
	}

	var next string
	if len(out) > limit {
		out = out[:limit]
		next = out[len(out)-1].URI[len(prefix):]
	}
	return out, next, nil
}
