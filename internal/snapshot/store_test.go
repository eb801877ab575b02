package snapshot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"voicecast/internal/calls"
	"voicecast/internal/registry"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(id, status string, started time.Time) Snapshot {
	pending := started.Add(time.Second)
	return Snapshot{
		BroadcastID: id,
		Status:      status,
		Template:    calls.Template{Content: "Hi {firstName}"},
		StartedAt:   started,
		Counts:      registry.Counts{Total: 2, Completed: 1, Active: 1},
		ActiveIDs:   []string{"CA2"},
		Jobs: []calls.CallJob{
			{JobID: "j1", BroadcastID: id, ProviderCallID: "CA1", Status: calls.CallStatusCompleted},
			{JobID: "j2", BroadcastID: id, ProviderCallID: "CA2", Status: calls.CallStatusRinging, PendingSince: &pending},
		},
		Remaining: []calls.Contact{{ID: "c3", Phone: "+3"}},
		NextBatch: 1,
	}
}

func TestMemoryStore_SaveLoadListDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	t0 := time.Unix(1700000000, 0).UTC()

	require.NoError(t, m.Save(ctx, sample("b2", StatusPaused, t0.Add(time.Minute))))
	require.NoError(t, m.Save(ctx, sample("b1", StatusActive, t0)))
	require.NoError(t, m.Save(ctx, sample("b3", "completed", t0)))

	got, err := m.Load(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, sample("b1", StatusActive, t0), got)

	list, err := m.ListResumable(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b1", list[0].BroadcastID)
	assert.Equal(t, "b2", list[1].BroadcastID)

	require.NoError(t, m.Delete(ctx, "b1"))
	_, err = m.Load(ctx, "b1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_IsolatedFromCaller(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	s := sample("b1", StatusActive, time.Now().UTC())
	require.NoError(t, m.Save(ctx, s))

	s.ActiveIDs[0] = "mutated"
	got, err := m.Load(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "CA2", got.ActiveIDs[0])
}

func TestPostgresStore_SaveUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO broadcast_snapshots").
		WithArgs("b1", StatusActive, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db)
	err = store.Save(context.Background(), sample("b1", StatusActive, time.Now().UTC()))
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT payload").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	_, err = NewPostgresStore(db).Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListResumable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	t0 := time.Unix(1700000000, 0).UTC()
	late, _ := json.Marshal(sample("late", StatusPaused, t0.Add(time.Hour)))
	early, _ := json.Marshal(sample("early", StatusActive, t0))

	mock.ExpectQuery("SELECT payload").
		WithArgs(StatusDispatching, StatusActive, StatusPaused).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(late).AddRow(early))

	list, err := NewPostgresStore(db).ListResumable(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "early", list[0].BroadcastID)
	assert.Equal(t, []string{"CA2"}, list[0].ActiveIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Delete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM broadcast_snapshots").WithArgs("b1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, NewPostgresStore(db).Delete(context.Background(), "b1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResumable(t *testing.T) {
	for status, want := range map[string]bool{
		StatusDispatching: true, StatusActive: true, StatusPaused: true,
		"completed": false, "cancelled": false, "idle": false,
	} {
		assert.Equal(t, want, Snapshot{Status: status}.Resumable(), status)
	}
}

func TestMemoryStore_ListFinished(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	t0 := time.Unix(1700000000, 0).UTC()

	for id, s := range map[string]Snapshot{
		"done":   saved(sample("done", "completed", t0), t0),
		"gone":   saved(sample("gone", "cancelled", t0), t0.Add(-time.Minute)),
		"fresh":  saved(sample("fresh", "completed", t0), t0.Add(time.Hour)),
		"paused": saved(sample("paused", StatusPaused, t0), t0.Add(-time.Hour)),
	} {
		require.NoError(t, m.Save(ctx, s), id)
	}

	ids, err := m.ListFinished(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"gone", "done"}, ids)
}

func TestPostgresStore_ListFinished(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cutoff := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT broadcast_id").
		WithArgs(StatusDispatching, StatusActive, StatusPaused, cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"broadcast_id"}).AddRow("b1").AddRow("b2"))

	ids, err := NewPostgresStore(db).ListFinished(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
