package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voicecast/pkg/utils"
)

// PostgresRepo stores entries and contact sets.
//
// Tables (see migrations):
//
//	schedule_entries(id, name, scheduled_for, template jsonb, contact_set_id, status,
//	                 broadcast_id, provider_call_ids jsonb, completed, failed,
//	                 client_count, last_error, created_at, updated_at, started_at, finished_at)
//	contact_sets(id, name, contacts jsonb, created_at)
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const entryColumns = `id, name, scheduled_for, template, contact_set_id, status,
       broadcast_id, provider_call_ids, completed, failed,
       client_count, last_error, created_at, updated_at, started_at, finished_at`

func (p *PostgresRepo) Insert(ctx context.Context, e Entry) error {
	tmpl, ids, err := encodeEntry(e)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO schedule_entries (` + entryColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
`
	_, err = p.db.ExecContext(ctx, q,
		e.ID, e.Name, e.ScheduledFor, tmpl, e.ContactSetID, string(e.Status),
		e.BroadcastID, ids, e.Completed, e.Failed,
		e.ClientCount, e.LastError, e.CreatedAt, e.UpdatedAt, e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("schedule: insert %s: %w", e.ID, err)
	}
	return nil
}

func (p *PostgresRepo) Get(ctx context.Context, id string) (Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM schedule_entries WHERE id = $1`
	e, err := scanEntry(p.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

func (p *PostgresRepo) List(ctx context.Context, status Status) ([]Entry, error) {
	if status == "" {
		q := `SELECT ` + entryColumns + ` FROM schedule_entries ORDER BY scheduled_for ASC, id ASC`
		return p.query(ctx, q)
	}
	q := `SELECT ` + entryColumns + ` FROM schedule_entries WHERE status = $1 ORDER BY scheduled_for ASC, id ASC`
	return p.query(ctx, q, string(status))
}

func (p *PostgresRepo) Due(ctx context.Context, now time.Time) ([]Entry, error) {
	q := `SELECT ` + entryColumns + `
FROM schedule_entries
WHERE status = $1 AND scheduled_for <= $2
ORDER BY scheduled_for ASC, id ASC`
	return p.query(ctx, q, string(StatusScheduled), now)
}

// Claim is a conditional update so two schedulers racing on the same entry
// cannot both start it.
func (p *PostgresRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	const q = `
UPDATE schedule_entries
SET status = $2, started_at = $3, updated_at = $3
WHERE id = $1 AND status = $4
`
	res, err := p.db.ExecContext(ctx, q, id, string(StatusInProgress), now, string(StatusScheduled))
	if err != nil {
		return false, fmt.Errorf("schedule: claim %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Transition locks the row, then moves it from one status to another. It
// reports false when the entry exists but is not in the from status.
func (p *PostgresRepo) Transition(ctx context.Context, id string, from, to Status, now time.Time) (bool, error) {
	moved := false
	err := utils.WithTx(ctx, p.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		moved = false
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM schedule_entries WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if current != string(from) {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schedule_entries SET status = $2, updated_at = $3 WHERE id = $1`,
			id, string(to), now); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, fmt.Errorf("schedule: transition %s: %w", id, err)
	}
	return moved, nil
}

func (p *PostgresRepo) Update(ctx context.Context, e Entry) error {
	tmpl, ids, err := encodeEntry(e)
	if err != nil {
		return err
	}
	const q = `
UPDATE schedule_entries
SET name = $2, scheduled_for = $3, template = $4, contact_set_id = $5, status = $6,
    broadcast_id = $7, provider_call_ids = $8, completed = $9, failed = $10,
    client_count = $11, last_error = $12, updated_at = $13, started_at = $14, finished_at = $15
WHERE id = $1
`
	res, err := p.db.ExecContext(ctx, q,
		e.ID, e.Name, e.ScheduledFor, tmpl, e.ContactSetID, string(e.Status),
		e.BroadcastID, ids, e.Completed, e.Failed,
		e.ClientCount, e.LastError, e.UpdatedAt, e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("schedule: update %s: %w", e.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresRepo) InsertContactSet(ctx context.Context, cs ContactSet) error {
	contacts, err := json.Marshal(cs.Contacts)
	if err != nil {
		return fmt.Errorf("schedule: encode contact set %s: %w", cs.ID, err)
	}
	const q = `
INSERT INTO contact_sets (id, name, contacts, created_at)
VALUES ($1, $2, $3, $4)
`
	if _, err := p.db.ExecContext(ctx, q, cs.ID, cs.Name, contacts, cs.CreatedAt); err != nil {
		return fmt.Errorf("schedule: insert contact set %s: %w", cs.ID, err)
	}
	return nil
}

func (p *PostgresRepo) GetContactSet(ctx context.Context, id string) (ContactSet, error) {
	const q = `
SELECT id, name, contacts, created_at
FROM contact_sets
WHERE id = $1
`
	var (
		cs       ContactSet
		contacts []byte
	)
	if err := p.db.QueryRowContext(ctx, q, id).Scan(&cs.ID, &cs.Name, &contacts, &cs.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ContactSet{}, ErrContactSetNotFound
		}
		return ContactSet{}, err
	}
	if err := json.Unmarshal(contacts, &cs.Contacts); err != nil {
		return ContactSet{}, fmt.Errorf("schedule: decode contact set %s: %w", id, err)
	}
	return cs, nil
}

func (p *PostgresRepo) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e      Entry
		status string
		tmpl   []byte
		ids    []byte
	)
	err := row.Scan(
		&e.ID, &e.Name, &e.ScheduledFor, &tmpl, &e.ContactSetID, &status,
		&e.BroadcastID, &ids, &e.Completed, &e.Failed,
		&e.ClientCount, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.StartedAt, &e.FinishedAt,
	)
	if err != nil {
		return Entry{}, err
	}
	e.Status = Status(status)
	if len(tmpl) > 0 {
		if err := json.Unmarshal(tmpl, &e.Template); err != nil {
			return Entry{}, fmt.Errorf("schedule: decode template %s: %w", e.ID, err)
		}
	}
	if len(ids) > 0 {
		if err := json.Unmarshal(ids, &e.ProviderCallIDs); err != nil {
			return Entry{}, fmt.Errorf("schedule: decode call ids %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func encodeEntry(e Entry) (tmpl, ids []byte, err error) {
	if tmpl, err = json.Marshal(e.Template); err != nil {
		return nil, nil, fmt.Errorf("schedule: encode template %s: %w", e.ID, err)
	}
	callIDs := e.ProviderCallIDs
	if callIDs == nil {
		callIDs = []string{}
	}
	if ids, err = json.Marshal(callIDs); err != nil {
		return nil, nil, fmt.Errorf("schedule: encode call ids %s: %w", e.ID, err)
	}
	return tmpl, ids, nil
}
