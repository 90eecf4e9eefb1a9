package service

import (
	"iter"

	"wisefido-rtls/internal/alert"
	"wisefido-rtls/internal/models"
	"wisefido-rtls/internal/registry"
	"wisefido-rtls/internal/track"
)

// 读接口均返回快照拷贝，可在任意 goroutine 调用

func (e *Engine) Anchors(f registry.Filter) []models.Anchor {
	return e.registry.Anchors(f)
}

func (e *Engine) Anchor(id string) (models.Anchor, bool) {
	return e.registry.Anchor(id)
}

func (e *Engine) Tags(f registry.Filter) []models.Tag {
	return e.registry.Tags(f)
}

func (e *Engine) Tag(id string) (models.Tag, bool) {
	return e.registry.Tag(id)
}

func (e *Engine) Alerts(f alert.Filter) ([]models.Alert, int) {
	return e.alerts.List(f)
}

func (e *Engine) Alert(id string) (models.Alert, bool) {
	return e.alerts.Get(id)
}

func (e *Engine) Track(q track.Query) iter.Seq[models.TrackPoint] {
	return e.tracks.Query(q)
}

func (e *Engine) Accuracy() []models.AccuracyMetrics {
	return e.health.Accuracy(e.now())
}

func (e *Engine) Health() models.HealthMetrics {
	return e.health.Health(e.now())
}

func (e *Engine) Geofences() []models.Geofence {
	return e.evaluator.Geofences()
}

// SetGeofences 整体替换围栏配置，任一围栏非法则全部拒绝并保留原配置
func (e *Engine) SetGeofences(fences []models.Geofence) error {
	return e.evaluator.SetGeofences(fences)
}
