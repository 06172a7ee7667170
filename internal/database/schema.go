// Package database manages the PostgreSQL connection pool and
// bootstraps the schema on startup.
package database

// Schema contains the SQL statements for this server's single
// database. There is exactly one repository, so rather than a
// per-tenant split there is exactly one schema, bootstrapped once on
// startup against one pool.
const Schema = `
-- blocks: content-addressed MST nodes, commit objects, and record
-- data, keyed by their own CID (component B). An empty data row is
-- treated as missing — see internal/blockstore.
CREATE TABLE IF NOT EXISTS blocks (
    cid   TEXT PRIMARY KEY,
    data  BYTEA NOT NULL
);

-- records: the uri -> (cid, json) projection alongside the MST
-- (component D), so record reads and collection listings don't have
-- to walk the tree.
CREATE TABLE IF NOT EXISTS records (
    uri        TEXT PRIMARY KEY,
    cid        TEXT NOT NULL,
    json_bytes BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_records_collection ON records ((split_part(uri, '/', 1)));

-- repo_root: the repository's single current commit head. A fixed
-- id=1 row rather than a did-keyed table, since this server hosts
-- exactly one repository.
CREATE TABLE IF NOT EXISTS repo_root (
    id          SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    did         TEXT NOT NULL,
    commit_cid  TEXT NOT NULL,
    rev         TEXT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- commit_log: the durable, monotonically sequenced event log behind
-- subscribeRepos (component G). Also serves as the event buffer
-- replay reads from — a commit's body already carries its own CAR
-- diff, so there is nothing left for a second table to hold.
CREATE TABLE IF NOT EXISTS commit_log (
    seq        BIGSERIAL PRIMARY KEY,
    kind       VARCHAR(20) NOT NULL,
    body       BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- identity: this server's single DID and signing key, seeded once on
-- first boot (internal/identity).
CREATE TABLE IF NOT EXISTS identity (
    id          SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    did         TEXT NOT NULL,
    handle      TEXT NOT NULL,
    signing_key TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
