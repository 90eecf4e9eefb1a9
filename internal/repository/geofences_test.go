package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"wisefido-rtls/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockGeofenceDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *GeofenceRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewGeofenceRepository(db, zap.NewNop())
	return db, mock, repo
}

func TestGeofenceEnsureSchema(t *testing.T) {
	db, mock, repo := setupMockGeofenceDB(t)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS rtls_geofences`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListGeofences(t *testing.T) {
	db, mock, repo := setupMockGeofenceDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"geofence_id", "name", "polygon", "rule", "dwell_sec", "active"}).
		AddRow("GF-ICU-1", "ICU", []byte(`[{"x":0,"y":0},{"x":10,"y":0},{"x":10,"y":8}]`), "exit", nil, true).
		AddRow("GF-LOUNGE", nil, []byte(`[{"x":0,"y":0},{"x":5,"y":0},{"x":5,"y":5}]`), "dwell", 600, false)
	mock.ExpectQuery(`FROM rtls_geofences`).WillReturnRows(rows)

	fences, err := repo.ListGeofences(context.Background())
	require.NoError(t, err)
	require.Len(t, fences, 2)

	assert.Equal(t, "GF-ICU-1", fences[0].ID)
	assert.Equal(t, "ICU", fences[0].Name)
	assert.Equal(t, models.RuleExit, fences[0].Rule)
	require.Len(t, fences[0].Polygon, 3)
	assert.Equal(t, models.Point2D{X: 10, Y: 8}, fences[0].Polygon[2])
	assert.True(t, fences[0].Active)

	assert.Equal(t, "", fences[1].Name)
	assert.Equal(t, int64(600), fences[1].DwellSec)
	assert.False(t, fences[1].Active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListGeofences_BadPolygonKept(t *testing.T) {
	db, mock, repo := setupMockGeofenceDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"geofence_id", "name", "polygon", "rule", "dwell_sec", "active"}).
		AddRow("GF-X", "broken", []byte(`not json`), "enter", nil, true)
	mock.ExpectQuery(`FROM rtls_geofences`).WillReturnRows(rows)

	fences, err := repo.ListGeofences(context.Background())
	require.NoError(t, err)
	require.Len(t, fences, 1)
	assert.Empty(t, fences[0].Polygon)
}

func TestVersion(t *testing.T) {
	db, mock, repo := setupMockGeofenceDB(t)
	defer db.Close()

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT COUNT\(\*\), MAX\(updated_at\) FROM rtls_geofences`).
		WillReturnRows(sqlmock.NewRows([]string{"count", "max"}).AddRow(3, at))

	got, err := repo.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Count)
	assert.Equal(t, at, got.UpdatedAt)

	// 删除一条较旧的围栏：最近修改时间不变，行数变化
	mock.ExpectQuery(`SELECT COUNT\(\*\), MAX\(updated_at\) FROM rtls_geofences`).
		WillReturnRows(sqlmock.NewRows([]string{"count", "max"}).AddRow(2, at))

	afterDelete, err := repo.Version(context.Background())
	require.NoError(t, err)
	assert.False(t, afterDelete.Equal(got))

	mock.ExpectQuery(`SELECT COUNT\(\*\), MAX\(updated_at\) FROM rtls_geofences`).
		WillReturnRows(sqlmock.NewRows([]string{"count", "max"}).AddRow(0, nil))

	got, err = repo.Version(context.Background())
	require.NoError(t, err)
	assert.Zero(t, got.Count)
	assert.True(t, got.UpdatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertGeofence(t *testing.T) {
	db, mock, repo := setupMockGeofenceDB(t)
	defer db.Close()

	g := models.Geofence{
		ID:      "GF-ZONE-2",
		Name:    "Restricted",
		Polygon: []models.Point2D{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}},
		Rule:    models.RuleEnter,
		Active:  true,
	}
	mock.ExpectExec(`INSERT INTO rtls_geofences`).
		WithArgs("GF-ZONE-2", "Restricted", []byte(`[{"x":0,"y":0},{"x":1,"y":0},{"x":1,"y":1}]`), "enter", int64(0), true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpsertGeofence(context.Background(), g))
	require.NoError(t, mock.ExpectationsWereMet())
}
