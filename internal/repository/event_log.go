package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// 事件日志记录类型
const (
	EventTelemetry = "telemetry"
	EventPosition  = "position"
	EventAlert     = "alert"
	EventSnapshot  = "snapshot" // 压缩后的实体全量状态，回放时最先应用
)

// EventRecord 事件日志中的一条记录（只追加）
type EventRecord struct {
	Seq        int64
	EventType  string
	EntityID   string
	ObservedAt time.Time
	Payload    json.RawMessage
}

// EventLogRepository rtls_event_log 仓库
type EventLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEventLogRepository 创建事件日志仓库
func NewEventLogRepository(db *sql.DB, logger *zap.Logger) *EventLogRepository {
	return &EventLogRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema 创建事件日志表（如不存在）
func (r *EventLogRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS rtls_event_log (
			seq         BIGSERIAL PRIMARY KEY,
			event_type  TEXT        NOT NULL,
			entity_id   TEXT        NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL,
			payload     JSONB       NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_rtls_event_log_type_observed
			ON rtls_event_log (event_type, observed_at);
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure rtls_event_log schema: %w", err)
	}
	return nil
}

// AppendBatch 在一个事务内批量追加记录
func (r *EventLogRepository) AppendBatch(ctx context.Context, records []EventRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rtls_event_log (event_type, entity_id, observed_at, payload)
		VALUES ($1, $2, $3, $4)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.EventType, rec.EntityID, rec.ObservedAt, []byte(rec.Payload)); err != nil {
			return fmt.Errorf("failed to append %s event for %s: %w", rec.EventType, rec.EntityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event batch: %w", err)
	}
	return nil
}

// Replay 先遍历快照记录，再按写入顺序遍历其余记录；fn 返回错误时停止
func (r *EventLogRepository) Replay(ctx context.Context, fn func(EventRecord) error) error {
	query := `
		SELECT seq, event_type, entity_id, observed_at, payload
		FROM rtls_event_log
		ORDER BY CASE WHEN event_type = 'snapshot' THEN 0 ELSE 1 END, seq ASC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query event log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec EventRecord
		var payload []byte
		if err := rows.Scan(&rec.Seq, &rec.EventType, &rec.EntityID, &rec.ObservedAt, &payload); err != nil {
			return fmt.Errorf("failed to scan event log row: %w", err)
		}
		rec.Payload = payload
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate event log: %w", err)
	}
	return nil
}

// PurgeBefore 删除指定类型中 observed_at 早于 before 的记录，返回删除行数
func (r *EventLogRepository) PurgeBefore(ctx context.Context, before time.Time, eventTypes ...string) (int64, error) {
	if len(eventTypes) == 0 {
		return 0, nil
	}
	query := `
		DELETE FROM rtls_event_log
		WHERE observed_at < $1
		  AND event_type = ANY($2)
	`
	result, err := r.db.ExecContext(ctx, query, before, pq.Array(eventTypes))
	if err != nil {
		return 0, fmt.Errorf("failed to purge event log: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	r.logger.Info("Purged event log",
		zap.Time("before", before),
		zap.Strings("event_types", eventTypes),
		zap.Int64("rows", n),
	)
	return n, nil
}

// CompactTelemetry 在一个事务内用实体快照替换旧快照和 before 之前的遥测记录，返回删除的遥测行数
func (r *EventLogRepository) CompactTelemetry(ctx context.Context, before time.Time, snapshots []EventRecord) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rtls_event_log WHERE event_type = $1`, EventSnapshot); err != nil {
		return 0, fmt.Errorf("failed to delete old snapshots: %w", err)
	}
	result, err := tx.ExecContext(ctx, `
		DELETE FROM rtls_event_log
		WHERE observed_at < $1
		  AND event_type = $2
	`, before, EventTelemetry)
	if err != nil {
		return 0, fmt.Errorf("failed to purge telemetry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if len(snapshots) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO rtls_event_log (event_type, entity_id, observed_at, payload)
			VALUES ($1, $2, $3, $4)
		`)
		if err != nil {
			return 0, fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range snapshots {
			if _, err := stmt.ExecContext(ctx, EventSnapshot, rec.EntityID, rec.ObservedAt, []byte(rec.Payload)); err != nil {
				return 0, fmt.Errorf("failed to write snapshot for %s: %w", rec.EntityID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit compaction: %w", err)
	}
	r.logger.Info("Compacted telemetry journal",
		zap.Time("before", before),
		zap.Int64("telemetry_rows", n),
		zap.Int("snapshots", len(snapshots)),
	)
	return n, nil
}
