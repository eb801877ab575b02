package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresRepo writes to audit_events. It only ever inserts.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (p *PostgresRepo) Append(ctx context.Context, e Event) error {
	ids := e.CallIDs
	if ids == nil {
		ids = []string{}
	}
	callIDs, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("audit: encode call ids: %w", err)
	}
	const q = `
INSERT INTO audit_events (
  id, type, broadcast_id, schedule_id, call_ids,
  actor_user_id, actor_role, ip_address, message, metadata, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, '')::jsonb, $11)
`
	_, err = p.db.ExecContext(ctx, q,
		e.ID, string(e.Type), e.BroadcastID, e.ScheduleID, callIDs,
		e.ActorUserID, e.ActorRole, e.IPAddress, e.Message, e.Metadata, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: append %s: %w", e.Type, err)
	}
	return nil
}

func (p *PostgresRepo) ListByBroadcast(ctx context.Context, broadcastID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT id, type, broadcast_id, schedule_id, call_ids,
       actor_user_id, actor_role, ip_address, message, COALESCE(metadata::text, ''), created_at
FROM audit_events
WHERE broadcast_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`
	rows, err := p.db.QueryContext(ctx, q, broadcastID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			typ     string
			callIDs []byte
		)
		if err := rows.Scan(&e.ID, &typ, &e.BroadcastID, &e.ScheduleID, &callIDs,
			&e.ActorUserID, &e.ActorRole, &e.IPAddress, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		if len(callIDs) > 0 {
			if err := json.Unmarshal(callIDs, &e.CallIDs); err != nil {
				return nil, fmt.Errorf("audit: decode call ids %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
