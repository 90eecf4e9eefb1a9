package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wisefido-rtls/internal/models"
	"wisefido-rtls/internal/registry"
	"wisefido-rtls/internal/repository"

	"go.uber.org/zap"
)

// ReplaySource 事件日志读取（repository.EventLogRepository 实现）
type ReplaySource interface {
	Replay(ctx context.Context, fn func(repository.EventRecord) error) error
}

// ReplayStats 回放计数
type ReplayStats struct {
	Snapshots int
	Telemetry int
	Positions int
	Alerts    int
	Skipped   int // 无法解析或应用的记录
}

// PurgeStats 保留期清理计数
type PurgeStats struct {
	TrackPoints int
	Journal     int64
}

// Replay 启动前按日志重建注册表、轨迹与报警；不重新触发报警条件。
// 停留计时不在日志中，回放后从下一次观测重新开始。
func (e *Engine) Replay(ctx context.Context, source ReplaySource) (ReplayStats, error) {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if running {
		return ReplayStats{}, errors.New("replay must run before engine start")
	}

	var stats ReplayStats
	now := e.now()
	err := source.Replay(ctx, func(rec repository.EventRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.replayRecord(rec, now, &stats); err != nil {
			stats.Skipped++
			e.logger.Warn("Skipped journal record",
				zap.Int64("seq", rec.Seq),
				zap.String("event_type", rec.EventType),
				zap.Error(err),
			)
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("replay failed: %w", err)
	}

	e.logger.Info("Journal replayed",
		zap.Int("snapshots", stats.Snapshots),
		zap.Int("telemetry", stats.Telemetry),
		zap.Int("positions", stats.Positions),
		zap.Int("alerts", stats.Alerts),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

func (e *Engine) replayRecord(rec repository.EventRecord, now time.Time, stats *ReplayStats) error {
	switch rec.EventType {
	case repository.EventTelemetry, repository.EventSnapshot:
		var ev models.TelemetryEvent
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			return fmt.Errorf("%w: %v", models.ErrValidation, err)
		}
		if _, err := e.registry.UpsertTelemetry(ev, now); err != nil {
			return err
		}
		if rec.EventType == repository.EventSnapshot {
			stats.Snapshots++
		} else {
			stats.Telemetry++
		}
	case repository.EventPosition:
		var p models.TrackPoint
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", models.ErrValidation, err)
		}
		if _, err := e.registry.Touch(p.TagID, p.Timestamp, now); err != nil {
			return err
		}
		if _, err := e.tracks.Append(p); err != nil {
			return err
		}
		stats.Positions++
	case repository.EventAlert:
		var a models.Alert
		if err := json.Unmarshal(rec.Payload, &a); err != nil {
			return fmt.Errorf("%w: %v", models.ErrValidation, err)
		}
		if err := e.alerts.Restore(a); err != nil {
			return err
		}
		stats.Alerts++
	default:
		return fmt.Errorf("%w: unknown event type %q", models.ErrValidation, rec.EventType)
	}
	return nil
}

// Purge 删除 before 之前的轨迹点与定位日志；旧遥测先压缩成每个实体一条快照再删除，报警记录保留
func (e *Engine) Purge(ctx context.Context, before time.Time) (PurgeStats, error) {
	var stats PurgeStats
	stats.TrackPoints = e.tracks.Purge(before)
	if e.purger != nil {
		snapshots, err := e.snapshotRecords()
		if err != nil {
			return stats, err
		}
		compacted, err := e.purger.CompactTelemetry(ctx, before, snapshots)
		if err != nil {
			return stats, err
		}
		purged, err := e.purger.PurgeBefore(ctx, before, repository.EventPosition)
		if err != nil {
			return stats, err
		}
		stats.Journal = compacted + purged
	}
	e.logger.Info("Retention purge completed",
		zap.Time("before", before),
		zap.Int("track_points", stats.TrackPoints),
		zap.Int64("journal_rows", stats.Journal),
	)
	return stats, nil
}

// snapshotRecords 注册表中每个实体一条快照记录
func (e *Engine) snapshotRecords() ([]repository.EventRecord, error) {
	var events []models.TelemetryEvent
	for _, a := range e.registry.Anchors(registry.Filter{}) {
		events = append(events, a.Snapshot())
	}
	for _, t := range e.registry.Tags(registry.Filter{}) {
		events = append(events, t.Snapshot())
	}

	records := make([]repository.EventRecord, 0, len(events))
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal snapshot for %s: %w", ev.ID, err)
		}
		records = append(records, repository.EventRecord{
			EventType:  repository.EventSnapshot,
			EntityID:   ev.ID,
			ObservedAt: ev.ObservedAt,
			Payload:    payload,
		})
	}
	return records, nil
}
