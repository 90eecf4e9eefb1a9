package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"wisefido-rtls/internal/models"

	"go.uber.org/zap"
)

// GeofenceRepository 电子围栏配置仓库（rtls_geofences）
type GeofenceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewGeofenceRepository 创建围栏仓库
func NewGeofenceRepository(db *sql.DB, logger *zap.Logger) *GeofenceRepository {
	return &GeofenceRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema 创建围栏表（如不存在）
func (r *GeofenceRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS rtls_geofences (
			geofence_id TEXT        PRIMARY KEY,
			name        TEXT,
			polygon     JSONB       NOT NULL,
			rule        TEXT        NOT NULL,
			dwell_sec   BIGINT,
			active      BOOLEAN     NOT NULL DEFAULT true,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure rtls_geofences schema: %w", err)
	}
	return nil
}

// Version 围栏表的行数与最近一次修改时间，表为空时为零值
func (r *GeofenceRepository) Version(ctx context.Context) (models.GeofenceVersion, error) {
	var v models.GeofenceVersion
	var latest sql.NullTime
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*), MAX(updated_at) FROM rtls_geofences`).Scan(&v.Count, &latest)
	if err != nil {
		return models.GeofenceVersion{}, fmt.Errorf("failed to query geofence version: %w", err)
	}
	if latest.Valid {
		v.UpdatedAt = latest.Time
	}
	return v, nil
}

// ListGeofences 读取全部围栏（含停用的）
func (r *GeofenceRepository) ListGeofences(ctx context.Context) ([]models.Geofence, error) {
	query := `
		SELECT
			geofence_id,
			name,
			polygon,
			rule,
			dwell_sec,
			active
		FROM rtls_geofences
		ORDER BY geofence_id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query geofences: %w", err)
	}
	defer rows.Close()

	var fences []models.Geofence
	for rows.Next() {
		var g models.Geofence
		var name sql.NullString
		var dwellSec sql.NullInt64
		var polygon []byte
		if err := rows.Scan(&g.ID, &name, &polygon, &g.Rule, &dwellSec, &g.Active); err != nil {
			return nil, fmt.Errorf("failed to scan geofence: %w", err)
		}
		g.Name = name.String
		g.DwellSec = dwellSec.Int64
		if err := json.Unmarshal(polygon, &g.Polygon); err != nil {
			// 保留这一条，交由评估器整体校验并拒绝
			r.logger.Warn("Failed to parse geofence polygon",
				zap.String("geofence_id", g.ID),
				zap.Error(err),
			)
		}
		fences = append(fences, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate geofences: %w", err)
	}
	return fences, nil
}

// UpsertGeofence 新增或更新围栏
func (r *GeofenceRepository) UpsertGeofence(ctx context.Context, g models.Geofence) error {
	polygon, err := json.Marshal(g.Polygon)
	if err != nil {
		return fmt.Errorf("failed to marshal polygon: %w", err)
	}
	query := `
		INSERT INTO rtls_geofences (geofence_id, name, polygon, rule, dwell_sec, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (geofence_id) DO UPDATE SET
			name = EXCLUDED.name,
			polygon = EXCLUDED.polygon,
			rule = EXCLUDED.rule,
			dwell_sec = EXCLUDED.dwell_sec,
			active = EXCLUDED.active,
			updated_at = now()
	`
	if _, err := r.db.ExecContext(ctx, query, g.ID, g.Name, polygon, string(g.Rule), g.DwellSec, g.Active); err != nil {
		return fmt.Errorf("failed to upsert geofence %s: %w", g.ID, err)
	}
	return nil
}
