package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-rtls/internal/alert"
	"wisefido-rtls/internal/models"
	"wisefido-rtls/internal/notify"
	"wisefido-rtls/internal/registry"
	"wisefido-rtls/internal/repository"

	"go.uber.org/zap"
)

// process 在 lane 内处理一条接入消息
func (e *Engine) process(ctx context.Context, msg *models.IngestMessage) error {
	switch msg.Type {
	case models.IngestTelemetry:
		return e.applyTelemetry(ctx, *msg.Telemetry)
	case models.IngestPosition:
		return e.applyPosition(ctx, *msg.Position)
	case models.IngestPipeline:
		conds, err := e.health.RecordPipeline(*msg.Pipeline)
		if err != nil {
			return err
		}
		e.raiseAll(ctx, conds)
		return nil
	case models.IngestAccuracy:
		return e.health.AddAccuracySamples(*msg.Accuracy)
	}
	return fmt.Errorf("%w: unknown message type %q", models.ErrValidation, msg.Type)
}

func (e *Engine) applyTelemetry(ctx context.Context, ev models.TelemetryEvent) error {
	change, err := e.registry.UpsertTelemetry(ev, e.now())
	if err != nil {
		return err
	}
	e.record(ctx, repository.EventTelemetry, ev.ID, ev.ObservedAt, ev)
	e.applyChange(ctx, change, true)
	return nil
}

// applyPosition 写入轨迹；只有比上一个 filtered 点更新的 filtered 点参与围栏评估
func (e *Engine) applyPosition(ctx context.Context, p models.TrackPoint) error {
	change, err := e.registry.Touch(p.TagID, p.Timestamp, e.now())
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: position for unknown tag %q", models.ErrValidation, p.TagID)
		}
		return err
	}

	prev, hasPrev := e.tracks.Latest(p.TagID, p.Source)
	if _, err := e.tracks.Append(p); err != nil {
		return err
	}
	e.record(ctx, repository.EventPosition, p.TagID, p.Timestamp, p)
	e.applyChange(ctx, change, false)

	if p.Source != models.SourceFiltered {
		return nil
	}
	if hasPrev && !p.Timestamp.After(prev.Timestamp) {
		e.logger.Debug("Skipped out-of-order position",
			zap.String("tag_id", p.TagID),
			zap.Time("ts", p.Timestamp),
			zap.Time("latest_ts", prev.Timestamp),
		)
		return nil
	}
	var prevPtr *models.TrackPoint
	if hasPrev {
		prevPtr = &prev
	}
	e.raiseAll(ctx, e.evaluator.Evaluate(p.TagID, prevPtr, p))
	return nil
}

// applyChange 处理注册表变更：触发报警；遥测字段更新或状态变化时刷新缓存。
// 定位点只推进 lastSeen，不单独刷新缓存。
func (e *Engine) applyChange(ctx context.Context, change registry.Change, fieldsUpdated bool) {
	e.raiseAll(ctx, change.Conditions)
	if fieldsUpdated || change.Created || change.StatusChanged() {
		if change.StatusChanged() && !change.Created {
			e.logger.Info("Device status changed",
				zap.String("kind", string(change.Kind)),
				zap.String("id", change.ID),
				zap.String("from", string(change.PrevStatus)),
				zap.String("to", string(change.Status)),
			)
		}
		e.cacheEntity(ctx, change.Kind, change.ID)
	}
}

func (e *Engine) raiseAll(ctx context.Context, conds []models.Condition) {
	if len(conds) == 0 {
		return
	}
	for _, cond := range conds {
		e.raise(ctx, cond)
	}
	e.cacheActiveAlerts(ctx)
}

func (e *Engine) raise(ctx context.Context, cond models.Condition) {
	res, err := e.alerts.Raise(cond)
	if err != nil {
		e.logger.Warn("Rejected alert condition",
			zap.String("type", string(cond.Type)),
			zap.String("entity_id", cond.EntityID),
			zap.Error(err),
		)
		return
	}
	a := res.Alert
	e.record(ctx, repository.EventAlert, a.ID, a.UpdatedAt, a)

	switch {
	case res.Created:
		e.enqueueNotification(notify.EventOpened, a)
	case res.Escalated:
		e.logger.Info("Alert escalated",
			zap.String("alert_id", a.ID),
			zap.String("severity", string(a.Severity)),
		)
		e.enqueueNotification(notify.EventEscalated, a)
	case res.Recurred:
		e.logger.Info("Acknowledged alert recurred",
			zap.String("alert_id", a.ID),
			zap.Int("occurrences", a.Occurrences),
		)
		e.enqueueNotification(notify.EventRecurred, a)
	}
}

// AcknowledgeAlert open -> acked，记录日志并刷新缓存
func (e *Engine) AcknowledgeAlert(ctx context.Context, id, by string) (models.Alert, error) {
	a, err := e.alerts.Acknowledge(id, by)
	if err != nil {
		return models.Alert{}, err
	}
	e.logger.Info("Alert acknowledged",
		zap.String("alert_id", a.ID),
		zap.String("by", by),
	)
	e.record(ctx, repository.EventAlert, a.ID, a.UpdatedAt, a)
	e.cacheActiveAlerts(ctx)
	return a, nil
}

// ResolveAlert open|acked -> resolved
func (e *Engine) ResolveAlert(ctx context.Context, id, by string) (models.Alert, error) {
	a, err := e.alerts.Resolve(id, by)
	if err != nil {
		return models.Alert{}, err
	}
	e.logger.Info("Alert resolved",
		zap.String("alert_id", a.ID),
		zap.String("by", by),
	)
	e.record(ctx, repository.EventAlert, a.ID, a.UpdatedAt, a)
	e.cacheActiveAlerts(ctx)
	return a, nil
}

func (e *Engine) record(ctx context.Context, eventType, entityID string, observedAt time.Time, payload interface{}) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(ctx, eventType, entityID, observedAt, payload); err != nil {
		e.logger.Error("Failed to record journal event",
			zap.String("event_type", eventType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}

func (e *Engine) cacheEntity(ctx context.Context, kind models.EntityKind, id string) {
	if e.cache == nil {
		return
	}
	var snapshot interface{}
	switch kind {
	case models.KindAnchor:
		a, ok := e.registry.Anchor(id)
		if !ok {
			return
		}
		snapshot = a
	case models.KindTag:
		t, ok := e.registry.Tag(id)
		if !ok {
			return
		}
		snapshot = t
	default:
		return
	}
	if err := e.cache.UpdateEntity(ctx, kind, id, snapshot); err != nil {
		e.logger.Warn("Failed to update entity cache",
			zap.String("kind", string(kind)),
			zap.String("id", id),
			zap.Error(err),
		)
	}
}

// activeAlerts open 与 acked 的报警
func (e *Engine) activeAlerts() []models.Alert {
	open, _ := e.alerts.List(alert.Filter{Status: models.AlertOpen})
	acked, _ := e.alerts.List(alert.Filter{Status: models.AlertAcked})
	return append(open, acked...)
}

func (e *Engine) cacheActiveAlerts(ctx context.Context) {
	if e.cache == nil {
		return
	}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if err := e.cache.UpdateActiveAlerts(ctx, e.activeAlerts()); err != nil {
		e.logger.Warn("Failed to update active alerts cache", zap.Error(err))
	}
}

// enqueueNotification 队列满时丢弃，不阻塞 lane
func (e *Engine) enqueueNotification(event string, a models.Alert) {
	if e.notifier == nil {
		return
	}
	select {
	case e.notifyCh <- notification{event: event, alert: a}:
	default:
		e.logger.Warn("Notification queue full, dropped",
			zap.String("event", event),
			zap.String("alert_id", a.ID),
		)
	}
}

func (e *Engine) dispatchNotifications() {
	defer e.bgWG.Done()
	for n := range e.notifyCh {
		if e.notifier == nil {
			continue
		}
		timeout := e.cfg.Notify.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := e.notifier.Notify(ctx, n.event, n.alert); err != nil {
			e.logger.Warn("Failed to send alert notification",
				zap.String("event", n.event),
				zap.String("alert_id", n.alert.ID),
				zap.Error(err),
			)
		}
		cancel()
	}
}
