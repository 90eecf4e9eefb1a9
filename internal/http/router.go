package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// APIPrefix RTLS 读接口前缀
const APIPrefix = "/rtls/api/v1"

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterRTLSRoutes 注册实体、报警、轨迹、指标与围栏路由
func (r *Router) RegisterRTLSRoutes(h *RTLSHandler) {
	r.Handle(APIPrefix+"/anchors", h.Anchors)
	r.Handle(APIPrefix+"/anchors/", h.Anchors)

	r.Handle(APIPrefix+"/tags", h.Tags)
	r.Handle(APIPrefix+"/tags/", h.Tags)

	r.Handle(APIPrefix+"/alerts", h.Alerts)
	r.Handle(APIPrefix+"/alerts/", h.Alerts)

	r.Handle(APIPrefix+"/metrics/accuracy", h.Accuracy)
	r.Handle(APIPrefix+"/metrics/health", h.Health)

	r.Handle(APIPrefix+"/geofences", h.Geofences)

	r.Handle("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	})
}
