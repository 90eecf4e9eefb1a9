package consumer

import (
	"context"
	"fmt"
	"time"

	"wisefido-rtls/internal/models"

	"go.uber.org/zap"
)

// GeofenceSource 围栏配置来源（repository.GeofenceRepository 实现）
type GeofenceSource interface {
	Version(ctx context.Context) (models.GeofenceVersion, error)
	ListGeofences(ctx context.Context) ([]models.Geofence, error)
}

// GeofenceApplier 围栏配置接收方（evaluator.Evaluator 实现）
type GeofenceApplier interface {
	SetGeofences(fences []models.Geofence) error
}

// GeofenceReloader 轮询围栏表，版本变化时整体下发到评估器
type GeofenceReloader struct {
	source   GeofenceSource
	applier  GeofenceApplier
	interval time.Duration
	logger   *zap.Logger

	version models.GeofenceVersion
	loaded  bool
}

// NewGeofenceReloader 创建围栏热加载器
func NewGeofenceReloader(source GeofenceSource, applier GeofenceApplier, interval time.Duration, logger *zap.Logger) *GeofenceReloader {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &GeofenceReloader{
		source:   source,
		applier:  applier,
		interval: interval,
		logger:   logger,
	}
}

// Start 立即加载一次，之后按间隔轮询，阻塞直到 ctx 取消
func (r *GeofenceReloader) Start(ctx context.Context) {
	if _, err := r.ReloadOnce(ctx); err != nil {
		r.logger.Error("Failed to load geofences", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Geofence reloader stopped")
			return
		case <-ticker.C:
			if _, err := r.ReloadOnce(ctx); err != nil {
				r.logger.Error("Failed to reload geofences", zap.Error(err))
			}
		}
	}
}

// ReloadOnce 版本变化时读取并下发；返回是否下发成功
//
// 配置被拒绝（ErrConfig）时同样记住该版本，评估器保留上一次有效配置，直到表再次变化。
func (r *GeofenceReloader) ReloadOnce(ctx context.Context) (bool, error) {
	version, err := r.source.Version(ctx)
	if err != nil {
		return false, err
	}
	if r.loaded && version.Equal(r.version) {
		return false, nil
	}

	fences, err := r.source.ListGeofences(ctx)
	if err != nil {
		return false, err
	}
	r.version = version
	r.loaded = true

	if err := r.applier.SetGeofences(fences); err != nil {
		return false, fmt.Errorf("geofence set rejected, keeping previous: %w", err)
	}
	r.logger.Info("Geofences reloaded",
		zap.Int("count", len(fences)),
		zap.Time("updated_at", version.UpdatedAt),
	)
	return true, nil
}
