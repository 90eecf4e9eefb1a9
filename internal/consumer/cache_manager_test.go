package consumer

import (
	"context"
	"testing"
	"time"

	"wisefido-rtls/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCacheManager_EntityRoundTrip(t *testing.T) {
	kv := newFakeKVStore()
	cm := NewCacheManager(testConfig(), kv, zap.NewNop())
	ctx := context.Background()

	a := models.Anchor{ID: "A-UWB-10", Tech: models.TechUWB, Status: models.StatusOffline}
	require.NoError(t, cm.UpdateEntity(ctx, models.KindAnchor, a.ID, a))

	raw, err := kv.Get(ctx, "rtls:entity:anchor:A-UWB-10")
	require.NoError(t, err)
	assert.Contains(t, raw, `"status":"offline"`)

	var got models.Anchor
	require.NoError(t, cm.GetEntity(ctx, models.KindAnchor, a.ID, &got))
	assert.Equal(t, models.StatusOffline, got.Status)

	err = cm.GetEntity(ctx, models.KindTag, "T-404", &got)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCacheManager_ActiveAlerts(t *testing.T) {
	kv := newFakeKVStore()
	cm := NewCacheManager(testConfig(), kv, zap.NewNop())
	ctx := context.Background()

	alerts, err := cm.GetActiveAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	require.NoError(t, cm.UpdateActiveAlerts(ctx, []models.Alert{
		{ID: "AL-1", Type: models.AlertAnchorOffline, Severity: models.SeverityCritical, Status: models.AlertOpen},
	}))
	alerts, err = cm.GetActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "AL-1", alerts[0].ID)

	require.NoError(t, cm.UpdateActiveAlerts(ctx, nil))
	_, err = kv.Get(ctx, cm.AlertsKey())
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisKVStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	kv := NewRedisKVStore(client)
	ctx := context.Background()

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, kv.Set(ctx, "k", "v", time.Minute))
	v, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	mr.FastForward(2 * time.Minute)
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, kv.Set(ctx, "k2", "v2", 0))
	require.NoError(t, kv.Del(ctx, "k2"))
	assert.False(t, mr.Exists("k2"))
	require.NoError(t, kv.Del(ctx))
}
