package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"wisefido-rtls/internal/config"
	"wisefido-rtls/internal/models"

	"go.uber.org/zap"
)

// CacheManager Redis 读模型缓存（实体状态 + 未解决报警），供外部看板直接读取
type CacheManager struct {
	config *config.Config
	kv     KVStore
	logger *zap.Logger
}

// NewCacheManager 创建缓存管理器
func NewCacheManager(
	cfg *config.Config,
	kv KVStore,
	logger *zap.Logger,
) *CacheManager {
	return &CacheManager{
		config: cfg,
		kv:     kv,
		logger: logger,
	}
}

// EntityKey 实体状态缓存键，如 "rtls:entity:anchor:A-UWB-10"
func (c *CacheManager) EntityKey(kind models.EntityKind, id string) string {
	return fmt.Sprintf("%s%s:%s", c.config.Cache.KeyPrefix, kind, id)
}

// AlertsKey 未解决报警列表缓存键
func (c *CacheManager) AlertsKey() string {
	return c.config.Cache.KeyPrefix + "alerts:active"
}

// UpdateEntity 写入实体快照（models.Anchor 或 models.Tag）
func (c *CacheManager) UpdateEntity(ctx context.Context, kind models.EntityKind, id string, snapshot interface{}) error {
	key := c.EntityKey(kind, id)
	jsonData, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal %s snapshot: %w", kind, err)
	}
	if err := c.kv.Set(ctx, key, string(jsonData), c.config.Cache.TTL); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	c.logger.Debug("Updated entity cache",
		zap.String("key", key),
	)
	return nil
}

// GetEntity 读取实体快照到 dest
func (c *CacheManager) GetEntity(ctx context.Context, kind models.EntityKind, id string, dest interface{}) error {
	raw, err := c.kv.Get(ctx, c.EntityKey(kind, id))
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s snapshot: %w", kind, err)
	}
	return nil
}

// UpdateActiveAlerts 覆盖写入未解决报警列表；列表为空时删除键
func (c *CacheManager) UpdateActiveAlerts(ctx context.Context, alerts []models.Alert) error {
	key := c.AlertsKey()
	if len(alerts) == 0 {
		if err := c.kv.Del(ctx, key); err != nil {
			return fmt.Errorf("failed to clear alert cache: %w", err)
		}
		return nil
	}
	jsonData, err := json.Marshal(alerts)
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}
	if err := c.kv.Set(ctx, key, string(jsonData), c.config.Cache.TTL); err != nil {
		return fmt.Errorf("failed to set alert cache: %w", err)
	}
	return nil
}

// GetActiveAlerts 读取未解决报警列表，缓存不存在时返回空列表
func (c *CacheManager) GetActiveAlerts(ctx context.Context) ([]models.Alert, error) {
	raw, err := c.kv.Get(ctx, c.AlertsKey())
	if err == ErrCacheMiss {
		return []models.Alert{}, nil
	}
	if err != nil {
		return nil, err
	}
	var alerts []models.Alert
	if err := json.Unmarshal([]byte(raw), &alerts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alerts: %w", err)
	}
	return alerts, nil
}
