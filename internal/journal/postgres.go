package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_events (
	id         BIGSERIAL PRIMARY KEY,
	kind       TEXT NOT NULL,
	room_id    TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS relayed_operations (
	id         BIGSERIAL PRIMARY KEY,
	room_id    TEXT NOT NULL,
	doc_id     TEXT NOT NULL,
	op_id      TEXT NOT NULL,
	kind       TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	lamport    BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS relayed_operations_doc ON relayed_operations (doc_id, lamport);
`

// Postgres writes the journal to PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Journal = (*Postgres)(nil)

// Open connects to databaseURL and creates the journal tables if needed.
func Open(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating journal tables: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) RecordRoom(ctx context.Context, ev RoomEvent) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO room_events (kind, room_id, user_id, created_at) VALUES ($1, $2, $3, $4)`,
		string(ev.Kind), ev.RoomID, ev.UserID, ev.At)
	if err != nil {
		return fmt.Errorf("recording %s for room %s: %w", ev.Kind, ev.RoomID, err)
	}
	return nil
}

func (p *Postgres) RecordOperation(ctx context.Context, op Operation) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO relayed_operations (room_id, doc_id, op_id, kind, user_id, lamport, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		op.RoomID, op.DocID, op.OpID, op.Kind, op.UserID, int64(op.Lamport), op.At)
	if err != nil {
		return fmt.Errorf("recording operation %s: %w", op.OpID, err)
	}
	return nil
}

// CountOperations returns how many relayed operations are journaled for
// docID.
func (p *Postgres) CountOperations(ctx context.Context, docID string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM relayed_operations WHERE doc_id = $1`, docID).Scan(&n)
	return n, err
}

func (p *Postgres) Close() {
	p.pool.Close()
}
