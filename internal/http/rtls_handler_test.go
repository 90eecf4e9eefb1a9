package httpapi

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wisefido-rtls/internal/alert"
	"wisefido-rtls/internal/models"
	"wisefido-rtls/internal/registry"
	"wisefido-rtls/internal/track"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// fakeEngine 用真实的存储组件拼装，只替换时钟
type fakeEngine struct {
	reg    *registry.Registry
	alerts *alert.Manager
	tracks *track.Store
}

func newFakeEngine(t *testing.T) *fakeEngine {
	e := &fakeEngine{
		reg:    registry.NewRegistry(registry.DefaultThresholds(), zap.NewNop()),
		alerts: alert.NewManager(func() time.Time { return t0 }, zap.NewNop()),
		tracks: track.NewStore(),
	}
	snr := 22.0
	tech := models.TechUWB
	_, err := e.reg.UpsertTelemetry(models.TelemetryEvent{
		Kind:       models.KindAnchor,
		ID:         "A-UWB-10",
		ObservedAt: t0,
		Anchor:     &models.AnchorUpdate{Tech: &tech, SNR: &snr},
	}, t0)
	require.NoError(t, err)
	_, err = e.reg.UpsertTelemetry(models.TelemetryEvent{Kind: models.KindTag, ID: "T-012", ObservedAt: t0}, t0)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = e.tracks.Append(models.TrackPoint{
			TagID:     "T-012",
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Position:  models.Position{X: float64(i), Y: 1},
			Source:    models.SourceFiltered,
		})
		require.NoError(t, err)
	}
	return e
}

func (e *fakeEngine) Anchors(f registry.Filter) []models.Anchor {
	return e.reg.Anchors(f)
}

func (e *fakeEngine) Anchor(id string) (models.Anchor, bool) {
	return e.reg.Anchor(id)
}

func (e *fakeEngine) Tags(f registry.Filter) []models.Tag {
	return e.reg.Tags(f)
}

func (e *fakeEngine) Tag(id string) (models.Tag, bool) {
	return e.reg.Tag(id)
}

func (e *fakeEngine) Alerts(f alert.Filter) ([]models.Alert, int) {
	return e.alerts.List(f)
}

func (e *fakeEngine) Alert(id string) (models.Alert, bool) {
	return e.alerts.Get(id)
}

func (e *fakeEngine) AcknowledgeAlert(ctx context.Context, id, by string) (models.Alert, error) {
	return e.alerts.Acknowledge(id, by)
}

func (e *fakeEngine) ResolveAlert(ctx context.Context, id, by string) (models.Alert, error) {
	return e.alerts.Resolve(id, by)
}

func (e *fakeEngine) Track(q track.Query) iter.Seq[models.TrackPoint] {
	return e.tracks.Query(q)
}

func (e *fakeEngine) Accuracy() []models.AccuracyMetrics {
	return []models.AccuracyMetrics{{Tech: models.TechUWB, RMSE: 0.2, SampleCount: 4}}
}

func (e *fakeEngine) Health() models.HealthMetrics {
	return models.HealthMetrics{IngestLatencyMs: 80, Connected: true, Uptime24h: 1}
}

func (e *fakeEngine) Geofences() []models.Geofence {
	return []models.Geofence{{ID: "GF-ICU-1", Rule: models.RuleExit, Active: true}}
}

func newTestRouter(t *testing.T) (*Router, *fakeEngine) {
	e := newFakeEngine(t)
	r := NewRouter(zap.NewNop())
	r.RegisterRTLSRoutes(NewRTLSHandler(e, zap.NewNop()))
	return r, e
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) Result[T] {
	var out Result[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestAnchorsEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(t, r, http.MethodGet, APIPrefix+"/anchors", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[ListResult[models.Anchor]](t, w)
	assert.Equal(t, ResultSuccess, list.Code)
	require.Len(t, list.Result.Items, 1)
	assert.Equal(t, "A-UWB-10", list.Result.Items[0].ID)

	w = do(t, r, http.MethodGet, APIPrefix+"/anchors?status=offline", "")
	assert.Empty(t, decode[ListResult[models.Anchor]](t, w).Result.Items)

	w = do(t, r, http.MethodGet, APIPrefix+"/anchors?tech=LORA", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, APIPrefix+"/anchors?status=sleeping", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, r, http.MethodGet, APIPrefix+"/tags?status=sleeping", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, APIPrefix+"/anchors/A-UWB-10", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.TechUWB, decode[models.Anchor](t, w).Result.Tech)

	w = do(t, r, http.MethodGet, APIPrefix+"/anchors/A-404", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ResultError, decode[any](t, w).Code)

	w = do(t, r, http.MethodPost, APIPrefix+"/anchors", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestTagTrackEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(t, r, http.MethodGet, APIPrefix+"/tags/T-012", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, APIPrefix+"/tags/T-012/track?from=2026-03-01T08:00:01Z", "")
	require.Equal(t, http.StatusOK, w.Code)
	pts := decode[ListResult[models.TrackPoint]](t, w).Result.Items
	require.Len(t, pts, 2)
	assert.Equal(t, 1.0, pts[0].Position.X)

	w = do(t, r, http.MethodGet, APIPrefix+"/tags/T-012/track?limit=1", "")
	assert.Len(t, decode[ListResult[models.TrackPoint]](t, w).Result.Items, 1)

	w = do(t, r, http.MethodGet, APIPrefix+"/tags/T-012/track?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, APIPrefix+"/tags/T-012/track?source=kalman", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, APIPrefix+"/tags/T-404/track", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[ListResult[models.TrackPoint]](t, w).Result.Items)
}

func TestAlertEndpoints(t *testing.T) {
	r, e := newTestRouter(t)

	res, err := e.alerts.Raise(models.Condition{
		Type:     models.AlertAnchorOffline,
		Severity: models.SeverityCritical,
		EntityID: "A-UWB-10",
		Details: models.AlertDetails{DeviceOffline: &models.DeviceOfflineDetails{
			Kind:   models.KindAnchor,
			Status: models.StatusOffline,
			Reason: "timeout",
		}},
	})
	require.NoError(t, err)
	id := res.Alert.ID

	w := do(t, r, http.MethodGet, APIPrefix+"/alerts?severity=critical&status=open", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[ListResult[models.Alert]](t, w).Result
	assert.Equal(t, 1, list.Total)

	w = do(t, r, http.MethodGet, APIPrefix+"/alerts?severity=urgent", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, APIPrefix+"/alerts/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decode[models.Alert](t, w).Result.ID)

	w = do(t, r, http.MethodPost, APIPrefix+"/alerts/"+id+"/ack", `{"by":"nurse-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	acked := decode[models.Alert](t, w).Result
	assert.Equal(t, models.AlertAcked, acked.Status)
	assert.Equal(t, "nurse-1", acked.AckedBy)

	w = do(t, r, http.MethodPost, APIPrefix+"/alerts/"+id+"/ack", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, APIPrefix+"/alerts/"+id+"/resolve", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.AlertResolved, decode[models.Alert](t, w).Result.Status)

	w = do(t, r, http.MethodPost, APIPrefix+"/alerts/"+id+"/resolve", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, APIPrefix+"/alerts/AL-404/resolve", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, APIPrefix+"/alerts/"+id+"/snooze", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, APIPrefix+"/alerts/"+id+"/ack", `{bad`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodDelete, APIPrefix+"/alerts/"+id, "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAlertPaging(t *testing.T) {
	r, e := newTestRouter(t)
	for _, id := range []string{"A-1", "A-2", "A-3"} {
		_, err := e.alerts.Raise(models.Condition{
			Type:     models.AlertAnchorOffline,
			Severity: models.SeverityWarning,
			EntityID: id,
			Details:  models.AlertDetails{DeviceOffline: &models.DeviceOfflineDetails{Reason: "stale"}},
		})
		require.NoError(t, err)
	}

	w := do(t, r, http.MethodGet, APIPrefix+"/alerts?page=2&size=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[ListResult[models.Alert]](t, w).Result
	assert.Equal(t, 3, list.Total)
	assert.Len(t, list.Items, 1)
}

func TestMetricsAndGeofences(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(t, r, http.MethodGet, APIPrefix+"/metrics/accuracy", "")
	require.Equal(t, http.StatusOK, w.Code)
	acc := decode[[]models.AccuracyMetrics](t, w).Result
	require.Len(t, acc, 1)
	assert.Equal(t, 4, acc[0].SampleCount)

	w = do(t, r, http.MethodGet, APIPrefix+"/metrics/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[models.HealthMetrics](t, w).Result.Connected)

	w = do(t, r, http.MethodGet, APIPrefix+"/geofences", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[ListResult[models.Geofence]](t, w).Result.Total)

	w = do(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
