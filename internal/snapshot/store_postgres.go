package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore keeps one JSONB row per broadcast.
//
// Table (see migrations):
//
//	broadcast_snapshots(broadcast_id text primary key, status text, payload jsonb, updated_at timestamptz)
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (p *PostgresStore) Save(ctx context.Context, s Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("snapshot: encode %s: %w", s.BroadcastID, err)
	}
	const q = `
INSERT INTO broadcast_snapshots (broadcast_id, status, payload, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (broadcast_id)
DO UPDATE SET status = EXCLUDED.status,
              payload = EXCLUDED.payload,
              updated_at = EXCLUDED.updated_at
`
	if _, err := p.db.ExecContext(ctx, q, s.BroadcastID, s.Status, payload, p.now().UTC()); err != nil {
		return fmt.Errorf("snapshot: save %s: %w", s.BroadcastID, err)
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context, broadcastID string) (Snapshot, error) {
	const q = `
SELECT payload
FROM broadcast_snapshots
WHERE broadcast_id = $1
`
	var payload []byte
	if err := p.db.QueryRowContext(ctx, q, broadcastID).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, err
	}
	return decode(payload)
}

func (p *PostgresStore) ListResumable(ctx context.Context) ([]Snapshot, error) {
	const q = `
SELECT payload
FROM broadcast_snapshots
WHERE status IN ($1, $2, $3)
ORDER BY updated_at ASC
`
	rows, err := p.db.QueryContext(ctx, q, StatusDispatching, StatusActive, StatusPaused)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		s, err := decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortByStart(out)
	return out, nil
}

func (p *PostgresStore) ListFinished(ctx context.Context, before time.Time) ([]string, error) {
	const q = `
SELECT broadcast_id
FROM broadcast_snapshots
WHERE status NOT IN ($1, $2, $3) AND updated_at < $4
ORDER BY updated_at ASC
`
	rows, err := p.db.QueryContext(ctx, q, StatusDispatching, StatusActive, StatusPaused, before.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, broadcastID string) error {
	const q = `DELETE FROM broadcast_snapshots WHERE broadcast_id = $1`
	_, err := p.db.ExecContext(ctx, q, broadcastID)
	return err
}

func decode(payload []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: decode: %w", err)
	}
	return s, nil
}
