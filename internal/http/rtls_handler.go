package httpapi

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"wisefido-rtls/internal/alert"
	"wisefido-rtls/internal/models"
	"wisefido-rtls/internal/registry"
	"wisefido-rtls/internal/track"

	"go.uber.org/zap"
)

const (
	defaultPageSize  = 50
	maxPageSize      = 500
	maxTrackPoints   = 10000
	maxRequestBodyKB = 16
)

// Engine 引擎读接口与报警操作（service.Engine 实现）
type Engine interface {
	Anchors(f registry.Filter) []models.Anchor
	Anchor(id string) (models.Anchor, bool)
	Tags(f registry.Filter) []models.Tag
	Tag(id string) (models.Tag, bool)
	Alerts(f alert.Filter) ([]models.Alert, int)
	Alert(id string) (models.Alert, bool)
	AcknowledgeAlert(ctx context.Context, id, by string) (models.Alert, error)
	ResolveAlert(ctx context.Context, id, by string) (models.Alert, error)
	Track(q track.Query) iter.Seq[models.TrackPoint]
	Accuracy() []models.AccuracyMetrics
	Health() models.HealthMetrics
	Geofences() []models.Geofence
}

// RTLSHandler RTLS HTTP 接口
type RTLSHandler struct {
	engine Engine
	logger *zap.Logger
}

func NewRTLSHandler(engine Engine, logger *zap.Logger) *RTLSHandler {
	return &RTLSHandler{engine: engine, logger: logger}
}

// subPath 返回前缀之后的路径段，如 /anchors/A-1 -> ["A-1"]
func subPath(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func registryFilter(r *http.Request) (registry.Filter, error) {
	q := r.URL.Query()
	f := registry.Filter{
		Status: models.DeviceStatus(q.Get("status")),
		Tech:   models.Technology(q.Get("tech")),
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("%w: unknown status %q", models.ErrValidation, f.Status)
	}
	if f.Tech != "" && !f.Tech.Valid() {
		return f, fmt.Errorf("%w: unknown technology %q", models.ErrValidation, f.Tech)
	}
	return f, nil
}

// Anchors GET /anchors, GET /anchors/{id}
func (h *RTLSHandler) Anchors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := subPath(r.URL.Path, APIPrefix+"/anchors")
	switch len(parts) {
	case 0:
		f, err := registryFilter(r)
		if err != nil {
			writeError(w, err)
			return
		}
		items := h.engine.Anchors(f)
		writeJSON(w, http.StatusOK, Ok(ListResult[models.Anchor]{Items: items, Total: len(items)}))
	case 1:
		a, ok := h.engine.Anchor(parts[0])
		if !ok {
			writeError(w, fmt.Errorf("%w: anchor %s", models.ErrNotFound, parts[0]))
			return
		}
		writeJSON(w, http.StatusOK, Ok(a))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// Tags GET /tags, GET /tags/{id}, GET /tags/{id}/track
func (h *RTLSHandler) Tags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := subPath(r.URL.Path, APIPrefix+"/tags")
	switch {
	case len(parts) == 0:
		f, err := registryFilter(r)
		if err != nil {
			writeError(w, err)
			return
		}
		items := h.engine.Tags(f)
		writeJSON(w, http.StatusOK, Ok(ListResult[models.Tag]{Items: items, Total: len(items)}))
	case len(parts) == 1:
		t, ok := h.engine.Tag(parts[0])
		if !ok {
			writeError(w, fmt.Errorf("%w: tag %s", models.ErrNotFound, parts[0]))
			return
		}
		writeJSON(w, http.StatusOK, Ok(t))
	case len(parts) == 2 && parts[1] == "track":
		h.track(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *RTLSHandler) track(w http.ResponseWriter, r *http.Request, tagID string) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid from: %v", models.ErrValidation, err))
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid to: %v", models.ErrValidation, err))
		return
	}
	source := models.Source(q.Get("source"))
	if source != "" && !source.Valid() {
		writeError(w, fmt.Errorf("%w: unknown source %q", models.ErrValidation, source))
		return
	}
	limit := parseInt(q.Get("limit"), maxTrackPoints)
	if limit <= 0 || limit > maxTrackPoints {
		limit = maxTrackPoints
	}

	points := make([]models.TrackPoint, 0)
	for p := range h.engine.Track(track.Query{TagID: tagID, From: from, To: to, Source: source}) {
		if len(points) >= limit {
			break
		}
		points = append(points, p)
	}
	writeJSON(w, http.StatusOK, Ok(ListResult[models.TrackPoint]{Items: points, Total: len(points)}))
}

// Alerts GET /alerts, GET /alerts/{id}, POST /alerts/{id}/ack, POST /alerts/{id}/resolve
func (h *RTLSHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	parts := subPath(r.URL.Path, APIPrefix+"/alerts")
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		h.listAlerts(w, r)
	case len(parts) == 1 && r.Method == http.MethodGet:
		a, ok := h.engine.Alert(parts[0])
		if !ok {
			writeError(w, fmt.Errorf("%w: alert %s", models.ErrNotFound, parts[0]))
			return
		}
		writeJSON(w, http.StatusOK, Ok(a))
	case len(parts) == 2 && r.Method == http.MethodPost:
		h.transitionAlert(w, r, parts[0], parts[1])
	case len(parts) <= 2:
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *RTLSHandler) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alert.Filter{
		Severity:   models.Severity(q.Get("severity")),
		Status:     models.AlertStatus(q.Get("status")),
		Type:       models.AlertType(q.Get("type")),
		EntityID:   q.Get("entity_id"),
		GeofenceID: q.Get("geofence_id"),
	}
	if f.Severity != "" && f.Severity.Rank() == 0 {
		writeError(w, fmt.Errorf("%w: unknown severity %q", models.ErrValidation, f.Severity))
		return
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, fmt.Errorf("%w: unknown status %q", models.ErrValidation, f.Status))
		return
	}
	if f.Type != "" && !f.Type.Valid() {
		writeError(w, fmt.Errorf("%w: unknown alert type %q", models.ErrValidation, f.Type))
		return
	}

	page := parseInt(q.Get("page"), 1)
	size := parseInt(q.Get("size"), defaultPageSize)
	if page < 1 {
		page = 1
	}
	if size < 1 || size > maxPageSize {
		size = defaultPageSize
	}
	f.Limit = size
	f.Offset = (page - 1) * size

	items, total := h.engine.Alerts(f)
	writeJSON(w, http.StatusOK, Ok(ListResult[models.Alert]{Items: items, Total: total}))
}

type transitionRequest struct {
	By string `json:"by"`
}

func (h *RTLSHandler) transitionAlert(w http.ResponseWriter, r *http.Request, id, action string) {
	var req transitionRequest
	if err := readBodyJSON(r, maxRequestBodyKB*1024, &req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid body: %v", models.ErrValidation, err))
		return
	}

	var (
		a   models.Alert
		err error
	)
	switch action {
	case "ack":
		a, err = h.engine.AcknowledgeAlert(r.Context(), id, req.By)
	case "resolve":
		a, err = h.engine.ResolveAlert(r.Context(), id, req.By)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Info("Alert transition rejected",
			zap.String("alert_id", id),
			zap.String("action", action),
			zap.Error(err),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(a))
}

// Accuracy GET /metrics/accuracy
func (h *RTLSHandler) Accuracy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, Ok(h.engine.Accuracy()))
}

// Health GET /metrics/health
func (h *RTLSHandler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, Ok(h.engine.Health()))
}

// Geofences GET /geofences
func (h *RTLSHandler) Geofences(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items := h.engine.Geofences()
	writeJSON(w, http.StatusOK, Ok(ListResult[models.Geofence]{Items: items, Total: len(items)}))
}
