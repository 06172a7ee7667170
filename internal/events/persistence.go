package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/primal-host/solo-pds/internal/pdserr"
)

// Persister owns the commit_log table: the single durable source of
// truth for seq assignment.
type Persister struct {
	pool *pgxpool.Pool
}

// NewPersister creates a Persister backed by the pool.
func NewPersister(pool *pgxpool.Pool) *Persister {
	return &Persister{pool: pool}
}

// Persist assigns the next seq via the table's BIGSERIAL column and
// stores the event's kind and encoded body in the same row, so seq
// assignment and durability happen in one round trip.
func (p *Persister) Persist(ctx context.Context, kind Kind, body []byte) (int64, error) {
	var seq int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO commit_log (kind, body) VALUES ($1, $2) RETURNING seq`,
		string(kind), body,
	).Scan(&seq)
	if err != nil {
		return 0, pdserr.Wrap("events.Persist", pdserr.KindTransient, fmt.Errorf("insert commit_log: %w", err))
	}
	return seq, nil
}

// CurrentSeq returns the highest seq committed so far, or 0 if the
// log is empty.
func (p *Persister) CurrentSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM commit_log`).Scan(&seq)
	if err != nil {
		return 0, pdserr.Wrap("events.CurrentSeq", pdserr.KindTransient, err)
	}
	return seq, nil
}

// OldestSeq returns the lowest seq still retained, or 0 if the log is
// empty. Used to validate a subscriber's cursor against the retention
// window.
func (p *Persister) OldestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := p.pool.QueryRow(ctx, `SELECT COALESCE(MIN(seq), 0) FROM commit_log`).Scan(&seq)
	if err != nil {
		return 0, pdserr.Wrap("events.OldestSeq", pdserr.KindTransient, err)
	}
	return seq, nil
}

// Replay reads events with seq > since, in order, and calls fn with
// each row's (seq, kind, body). Used both for a resuming subscriber's
// backfill and for repo.ExportRange.
func (p *Persister) Replay(ctx context.Context, since int64, fn func(seq int64, kind Kind, body []byte) error) error {
	rows, err := p.pool.Query(ctx,
		`SELECT seq, kind, body FROM commit_log WHERE seq > $1 ORDER BY seq ASC`, since)
	if err != nil {
		return pdserr.Wrap("events.Replay", pdserr.KindTransient, fmt.Errorf("query: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var kindStr string
		var body []byte
		if err := rows.Scan(&seq, &kindStr, &body); err != nil {
			return pdserr.Wrap("events.Replay", pdserr.KindTransient, fmt.Errorf("scan: %w", err))
		}
		if err := fn(seq, Kind(kindStr), body); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Trim deletes rows with seq <= keepAbove, enforcing the retention
// window.
func (p *Persister) Trim(ctx context.Context, keepAbove int64) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM commit_log WHERE seq <= $1`, keepAbove)
	if err != nil {
		return pdserr.Wrap("events.Trim", pdserr.KindTransient, err)
	}
	return nil
}
