package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockEventLogDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *EventLogRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewEventLogRepository(db, zap.NewNop())
	return db, mock, repo
}

func TestEnsureSchema(t *testing.T) {
	db, mock, repo := setupMockEventLogDB(t)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS rtls_event_log`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendBatch_Success(t *testing.T) {
	db, mock, repo := setupMockEventLogDB(t)
	defer db.Close()

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	records := []EventRecord{
		{EventType: EventTelemetry, EntityID: "A-UWB-10", ObservedAt: at, Payload: json.RawMessage(`{"kind":"anchor"}`)},
		{EventType: EventPosition, EntityID: "T-012", ObservedAt: at, Payload: json.RawMessage(`{"tag_id":"T-012"}`)},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO rtls_event_log`)
	prep.ExpectExec().
		WithArgs(EventTelemetry, "A-UWB-10", at, []byte(`{"kind":"anchor"}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().
		WithArgs(EventPosition, "T-012", at, []byte(`{"tag_id":"T-012"}`)).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.AppendBatch(context.Background(), records))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendBatch_RollsBackOnError(t *testing.T) {
	db, mock, repo := setupMockEventLogDB(t)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO rtls_event_log`)
	prep.ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.AppendBatch(context.Background(), []EventRecord{
		{EventType: EventAlert, EntityID: "A-1", ObservedAt: time.Now(), Payload: json.RawMessage(`{}`)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendBatch_Empty(t *testing.T) {
	db, mock, repo := setupMockEventLogDB(t)
	defer db.Close()

	require.NoError(t, repo.AppendBatch(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplay(t *testing.T) {
	db, mock, repo := setupMockEventLogDB(t)
	defer db.Close()

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"seq", "event_type", "entity_id", "observed_at", "payload"}).
		AddRow(1, EventTelemetry, "A-1", at, []byte(`{"a":1}`)).
		AddRow(2, EventAlert, "A-1", at.Add(time.Second), []byte(`{"b":2}`))
	mock.ExpectQuery(`SELECT seq, event_type, entity_id, observed_at, payload`).WillReturnRows(rows)

	var got []EventRecord
	err := repo.Replay(context.Background(), func(rec EventRecord) error {
		got = append(got, rec)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, EventAlert, got[1].EventType)
	assert.JSONEq(t, `{"b":2}`, string(got[1].Payload))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplay_StopsOnCallbackError(t *testing.T) {
	db, mock, repo := setupMockEventLogDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"seq", "event_type", "entity_id", "observed_at", "payload"}).
		AddRow(1, EventTelemetry, "A-1", time.Now(), []byte(`{}`)).
		AddRow(2, EventTelemetry, "A-2", time.Now(), []byte(`{}`))
	mock.ExpectQuery(`SELECT`).WillReturnRows(rows)

	stop := errors.New("stop")
	calls := 0
	err := repo.Replay(context.Background(), func(EventRecord) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestPurgeBefore(t *testing.T) {
	db, mock, repo := setupMockEventLogDB(t)
	defer db.Close()

	cutoff := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`DELETE FROM rtls_event_log`).
		WithArgs(cutoff, pq.Array([]string{EventTelemetry, EventPosition})).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := repo.PurgeBefore(context.Background(), cutoff, EventTelemetry, EventPosition)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	require.NoError(t, mock.ExpectationsWereMet())

	n, err = repo.PurgeBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCompactTelemetry(t *testing.T) {
	db, mock, repo := setupMockEventLogDB(t)
	defer db.Close()

	cutoff := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	lastSeen := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM rtls_event_log WHERE event_type = \$1`).
		WithArgs(EventSnapshot).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM rtls_event_log WHERE observed_at < \$1 AND event_type = \$2`).
		WithArgs(cutoff, EventTelemetry).
		WillReturnResult(sqlmock.NewResult(0, 40))
	prep := mock.ExpectPrepare(`INSERT INTO rtls_event_log`)
	prep.ExpectExec().
		WithArgs(EventSnapshot, "A-UWB-10", lastSeen, []byte(`{"kind":"anchor","id":"A-UWB-10"}`)).
		WillReturnResult(sqlmock.NewResult(101, 1))
	mock.ExpectCommit()

	n, err := repo.CompactTelemetry(context.Background(), cutoff, []EventRecord{
		{EventType: EventSnapshot, EntityID: "A-UWB-10", ObservedAt: lastSeen, Payload: json.RawMessage(`{"kind":"anchor","id":"A-UWB-10"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(40), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompactTelemetry_RollsBackOnError(t *testing.T) {
	db, mock, repo := setupMockEventLogDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM rtls_event_log WHERE event_type = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM rtls_event_log WHERE observed_at`).
		WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	_, err := repo.CompactTelemetry(context.Background(), time.Now(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock timeout")
	require.NoError(t, mock.ExpectationsWereMet())
}
