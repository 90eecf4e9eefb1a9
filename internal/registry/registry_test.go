package registry

import (
	"errors"
	"testing"
	"time"

	"wisefido-rtls/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestRegistry() *Registry {
	return NewRegistry(DefaultThresholds(), zap.NewNop())
}

func ptr[T any](v T) *T {
	return &v
}

func anchorEvent(id string, at time.Time, snr float64) models.TelemetryEvent {
	return models.TelemetryEvent{
		Kind:       models.KindAnchor,
		ID:         id,
		ObservedAt: at,
		Anchor: &models.AnchorUpdate{
			Label:    ptr("Ward A"),
			Tech:     ptr(models.TechUWB),
			Position: &models.Point2D{X: 1, Y: 2},
			Firmware: ptr("2.4.1"),
			SNR:      ptr(snr),
		},
	}
}

func tagEvent(id string, at time.Time, battery *float64) models.TelemetryEvent {
	return models.TelemetryEvent{
		Kind:       models.KindTag,
		ID:         id,
		ObservedAt: at,
		Tag: &models.TagUpdate{
			Tech:       ptr(models.TechBLE),
			BatteryPct: battery,
			RSSI:       ptr(-50.0),
		},
	}
}

func TestUpsertTelemetry_CreatesAnchorOnline(t *testing.T) {
	r := newTestRegistry()

	change, err := r.UpsertTelemetry(anchorEvent("A-UWB-10", t0, 22), t0)
	require.NoError(t, err)
	assert.True(t, change.Created)
	assert.Equal(t, models.StatusOnline, change.Status)
	assert.Empty(t, change.Conditions)

	a, ok := r.Anchor("A-UWB-10")
	require.True(t, ok)
	assert.Equal(t, "Ward A", a.Label)
	assert.Equal(t, models.TechUWB, a.Tech)
	assert.Equal(t, models.Point2D{X: 1, Y: 2}, a.Position)
	assert.Equal(t, t0, a.LastSeen)
}

func TestUpsertTelemetry_RejectsInvalid(t *testing.T) {
	r := newTestRegistry()

	_, err := r.UpsertTelemetry(models.TelemetryEvent{Kind: models.KindAnchor, ObservedAt: t0}, t0)
	assert.True(t, errors.Is(err, models.ErrValidation))

	bad := anchorEvent("A-1", t0, 20)
	bad.Anchor.Tech = ptr(models.Technology("LORA"))
	_, err = r.UpsertTelemetry(bad, t0)
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, err = r.UpsertTelemetry(tagEvent("T-1", t0, ptr(140.0)), t0)
	assert.True(t, errors.Is(err, models.ErrValidation))

	assert.Empty(t, r.Anchors(Filter{}))
	assert.Empty(t, r.Tags(Filter{}))
}

func TestUpsertTelemetry_WeakSignalDegrades(t *testing.T) {
	r := newTestRegistry()

	change, err := r.UpsertTelemetry(anchorEvent("A-UWB-10", t0, 9), t0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, change.Status)
	require.Len(t, change.Conditions, 1)

	cond := change.Conditions[0]
	assert.Equal(t, models.AlertAnchorOffline, cond.Type)
	assert.Equal(t, models.SeverityWarning, cond.Severity)
	assert.Equal(t, "weak_signal", cond.Details.DeviceOffline.Reason)
	require.NoError(t, cond.Validate())

	// 信号恢复：回到 online，不产生条件
	change, err = r.UpsertTelemetry(anchorEvent("A-UWB-10", t0.Add(time.Second), 20), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, change.Status)
	assert.Empty(t, change.Conditions)
}

func TestUpsertTelemetry_OutOfOrderKeepsLastSeen(t *testing.T) {
	r := newTestRegistry()

	_, err := r.UpsertTelemetry(anchorEvent("A-1", t0, 20), t0)
	require.NoError(t, err)

	older := anchorEvent("A-1", t0.Add(-30*time.Second), 20)
	older.Anchor.Firmware = ptr("2.5.0")
	_, err = r.UpsertTelemetry(older, t0)
	require.NoError(t, err)

	a, _ := r.Anchor("A-1")
	assert.Equal(t, t0, a.LastSeen)
	assert.Equal(t, "2.5.0", a.Firmware)
}

func TestSweep_StaleThenOffline(t *testing.T) {
	r := newTestRegistry()
	_, err := r.UpsertTelemetry(anchorEvent("A-UWB-10", t0, 22), t0)
	require.NoError(t, err)

	// 10s 内仍在线
	assert.Empty(t, r.Sweep(t0.Add(10*time.Second), nil))

	changes := r.Sweep(t0.Add(11*time.Second), nil)
	require.Len(t, changes, 1)
	assert.Equal(t, models.StatusDegraded, changes[0].Status)
	require.Len(t, changes[0].Conditions, 1)
	assert.Equal(t, models.SeverityWarning, changes[0].Conditions[0].Severity)

	// 120s 边界仍为 degraded，不重复产生条件
	assert.Empty(t, r.Sweep(t0.Add(120*time.Second), nil))

	changes = r.Sweep(t0.Add(125*time.Second), nil)
	require.Len(t, changes, 1)
	assert.Equal(t, models.StatusOffline, changes[0].Status)
	cond := changes[0].Conditions[0]
	assert.Equal(t, models.AlertAnchorOffline, cond.Type)
	assert.Equal(t, models.SeverityCritical, cond.Severity)
	assert.Equal(t, int64(125), cond.Details.DeviceOffline.SilentSec)
	assert.Equal(t, "timeout", cond.Details.DeviceOffline.Reason)

	a, _ := r.Anchor("A-UWB-10")
	assert.Equal(t, models.StatusOffline, a.Status)
}

func TestSweep_RecoveryRaisesNothing(t *testing.T) {
	r := newTestRegistry()
	_, err := r.UpsertTelemetry(anchorEvent("A-1", t0, 22), t0)
	require.NoError(t, err)
	r.Sweep(t0.Add(200*time.Second), nil)

	now := t0.Add(201 * time.Second)
	change, err := r.UpsertTelemetry(anchorEvent("A-1", now, 22), now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, change.PrevStatus)
	assert.Equal(t, models.StatusOnline, change.Status)
	assert.True(t, change.StatusChanged())
	assert.Empty(t, change.Conditions)
}

func TestSweep_OwnsFilter(t *testing.T) {
	r := newTestRegistry()
	_, err := r.UpsertTelemetry(anchorEvent("A-1", t0, 22), t0)
	require.NoError(t, err)
	_, err = r.UpsertTelemetry(tagEvent("T-1", t0, nil), t0)
	require.NoError(t, err)

	changes := r.Sweep(t0.Add(time.Hour), func(id string) bool { return id == "T-1" })
	require.Len(t, changes, 1)
	assert.Equal(t, "T-1", changes[0].ID)
	assert.Equal(t, models.AlertTagOffline, changes[0].Conditions[0].Type)

	a, _ := r.Anchor("A-1")
	assert.Equal(t, models.StatusOnline, a.Status)
}

func TestTouch(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Touch("T-404", t0, t0)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	_, err = r.UpsertTelemetry(tagEvent("T-1", t0, nil), t0)
	require.NoError(t, err)
	r.Sweep(t0.Add(30*time.Second), nil)

	now := t0.Add(31 * time.Second)
	change, err := r.Touch("T-1", now, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, change.PrevStatus)
	assert.Equal(t, models.StatusOnline, change.Status)

	tag, _ := r.Tag("T-1")
	assert.Equal(t, now, tag.LastSeen)
}

func TestLowBattery_RaisedOnBandCrossingOnly(t *testing.T) {
	r := newTestRegistry()

	change, err := r.UpsertTelemetry(tagEvent("T-1", t0, ptr(80.0)), t0)
	require.NoError(t, err)
	assert.Empty(t, change.Conditions)

	change, err = r.UpsertTelemetry(tagEvent("T-1", t0.Add(time.Second), ptr(14.0)), t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, change.Conditions, 1)
	assert.Equal(t, models.AlertLowBattery, change.Conditions[0].Type)
	assert.Equal(t, models.SeverityWarning, change.Conditions[0].Severity)
	assert.Equal(t, 15.0, change.Conditions[0].Details.LowBattery.ThresholdPct)

	// 同一档位不再重复
	change, err = r.UpsertTelemetry(tagEvent("T-1", t0.Add(2*time.Second), ptr(12.0)), t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Empty(t, change.Conditions)

	change, err = r.UpsertTelemetry(tagEvent("T-1", t0.Add(3*time.Second), ptr(4.0)), t0.Add(3*time.Second))
	require.NoError(t, err)
	require.Len(t, change.Conditions, 1)
	assert.Equal(t, models.SeverityCritical, change.Conditions[0].Severity)
	require.NoError(t, change.Conditions[0].Validate())

	// 充电后再次跌落会重新产生
	_, err = r.UpsertTelemetry(tagEvent("T-1", t0.Add(4*time.Second), ptr(90.0)), t0.Add(4*time.Second))
	require.NoError(t, err)
	change, err = r.UpsertTelemetry(tagEvent("T-1", t0.Add(5*time.Second), ptr(10.0)), t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Len(t, change.Conditions, 1)
}

func TestQueries_FilterAndCopy(t *testing.T) {
	r := newTestRegistry()
	_, err := r.UpsertTelemetry(anchorEvent("A-2", t0, 22), t0)
	require.NoError(t, err)
	_, err = r.UpsertTelemetry(anchorEvent("A-1", t0, 5), t0)
	require.NoError(t, err)

	all := r.Anchors(Filter{})
	require.Len(t, all, 2)
	assert.Equal(t, "A-1", all[0].ID)

	degraded := r.Anchors(Filter{Status: models.StatusDegraded})
	require.Len(t, degraded, 1)
	assert.Equal(t, "A-1", degraded[0].ID)

	assert.Empty(t, r.Anchors(Filter{Tech: models.TechBLE}))

	all[0].Label = "mutated"
	a, _ := r.Anchor("A-1")
	assert.Equal(t, "Ward A", a.Label)

	_, ok := r.Tag("missing")
	assert.False(t, ok)
	assert.False(t, r.HasTag("missing"))
}
