package evaluator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-rtls/internal/models"

	"go.uber.org/zap"
)

// 规则对应的报警级别
var ruleSeverity = map[models.GeofenceRule]models.Severity{
	models.RuleEnter: models.SeverityWarning,
	models.RuleExit:  models.SeverityCritical,
	models.RuleDwell: models.SeverityWarning,
}

type dwellKey struct {
	tagID      string
	geofenceID string
}

// dwellState 标签在某个 dwell 围栏内的连续停留
type dwellState struct {
	start   time.Time
	lastPos models.Position
	lastTS  time.Time
	fired   bool
}

// Evaluator 电子围栏评估器
type Evaluator struct {
	fenceMu   sync.RWMutex
	geofences []models.Geofence

	dwellMu sync.Mutex
	dwell   map[dwellKey]*dwellState

	logger *zap.Logger
}

// NewEvaluator 创建评估器（初始无围栏）
func NewEvaluator(logger *zap.Logger) *Evaluator {
	return &Evaluator{
		dwell:  make(map[dwellKey]*dwellState),
		logger: logger,
	}
}

// SetGeofences 整体替换围栏配置
//
// 任一围栏不合法则拒绝整个集合并返回 ErrConfig，保留上一次有效配置。
// 新配置从下一次评估起生效，不回溯评估历史轨迹。
func (e *Evaluator) SetGeofences(fences []models.Geofence) error {
	seen := make(map[string]struct{}, len(fences))
	next := make([]models.Geofence, 0, len(fences))
	for i := range fences {
		g := fences[i]
		if err := g.Validate(); err != nil {
			return err
		}
		if _, dup := seen[g.ID]; dup {
			return fmt.Errorf("%w: duplicate geofence id %s", models.ErrConfig, g.ID)
		}
		seen[g.ID] = struct{}{}
		g.Polygon = append([]models.Point2D(nil), g.Polygon...)
		next = append(next, g)
	}
	sort.Slice(next, func(i, j int) bool { return next[i].ID < next[j].ID })

	e.fenceMu.Lock()
	e.geofences = next
	e.fenceMu.Unlock()

	// 清理已删除、停用或不再是 dwell 规则的停留状态
	keep := make(map[string]bool, len(next))
	for _, g := range next {
		keep[g.ID] = g.Active && g.Rule == models.RuleDwell
	}
	e.dwellMu.Lock()
	for k := range e.dwell {
		if !keep[k.geofenceID] {
			delete(e.dwell, k)
		}
	}
	e.dwellMu.Unlock()

	e.logger.Info("Geofences applied", zap.Int("count", len(next)))
	return nil
}

// Geofences 当前生效的围栏配置（拷贝）
func (e *Evaluator) Geofences() []models.Geofence {
	e.fenceMu.RLock()
	defer e.fenceMu.RUnlock()
	out := make([]models.Geofence, len(e.geofences))
	for i, g := range e.geofences {
		g.Polygon = append([]models.Point2D(nil), g.Polygon...)
		out[i] = g
	}
	return out
}

// Evaluate 评估标签从 prev 到 next 的移动
//
// 只应对比上一个已评估点更新的 filtered 点调用；prev 为 nil 表示首次观测，
// 此时不触发 enter/exit，但 dwell 计时从该点开始。
func (e *Evaluator) Evaluate(tagID string, prev *models.TrackPoint, next models.TrackPoint) []models.Condition {
	e.fenceMu.RLock()
	fences := e.geofences
	e.fenceMu.RUnlock()

	var conds []models.Condition
	pos := next.Position.XY()
	for i := range fences {
		g := &fences[i]
		if !g.Active {
			continue
		}
		inside := Contains(g.Polygon, pos)

		switch g.Rule {
		case models.RuleEnter, models.RuleExit:
			if prev == nil {
				continue
			}
			wasInside := Contains(g.Polygon, prev.Position.XY())
			if g.Rule == models.RuleEnter && !wasInside && inside {
				conds = append(conds, breach(g, tagID, "entered", next.Position, next.Timestamp, 0))
			}
			if g.Rule == models.RuleExit && wasInside && !inside {
				conds = append(conds, breach(g, tagID, "exited", next.Position, next.Timestamp, 0))
			}
		case models.RuleDwell:
			if c, ok := e.trackDwell(g, tagID, inside, next); ok {
				conds = append(conds, c)
			}
		}
	}
	return conds
}

func (e *Evaluator) trackDwell(g *models.Geofence, tagID string, inside bool, p models.TrackPoint) (models.Condition, bool) {
	key := dwellKey{tagID: tagID, geofenceID: g.ID}

	e.dwellMu.Lock()
	defer e.dwellMu.Unlock()

	if !inside {
		delete(e.dwell, key)
		return models.Condition{}, false
	}
	st, ok := e.dwell[key]
	if !ok {
		st = &dwellState{start: p.Timestamp}
		e.dwell[key] = st
	}
	st.lastPos = p.Position
	st.lastTS = p.Timestamp

	elapsed := p.Timestamp.Sub(st.start)
	if st.fired || elapsed < g.DwellDuration() {
		return models.Condition{}, false
	}
	st.fired = true
	return breach(g, tagID, "dwelled", p.Position, p.Timestamp, int64(elapsed/time.Second)), true
}

// CheckDwell 对在围栏内停止上报的标签按当前时间检查停留超时，owns 为 nil 时处理全部标签
func (e *Evaluator) CheckDwell(now time.Time, owns func(tagID string) bool) []models.Condition {
	e.fenceMu.RLock()
	byID := make(map[string]*models.Geofence, len(e.geofences))
	for i := range e.geofences {
		byID[e.geofences[i].ID] = &e.geofences[i]
	}
	e.fenceMu.RUnlock()

	e.dwellMu.Lock()
	defer e.dwellMu.Unlock()

	var conds []models.Condition
	for key, st := range e.dwell {
		if st.fired || (owns != nil && !owns(key.tagID)) {
			continue
		}
		g, ok := byID[key.geofenceID]
		if !ok || !g.Active || g.Rule != models.RuleDwell {
			continue
		}
		elapsed := now.Sub(st.start)
		if elapsed < g.DwellDuration() {
			continue
		}
		st.fired = true
		c := breach(g, key.tagID, "dwelled", st.lastPos, st.lastTS, int64(elapsed/time.Second))
		c.ObservedAt = now
		conds = append(conds, c)
	}
	sort.Slice(conds, func(i, j int) bool { return conds[i].EntityID < conds[j].EntityID })
	return conds
}

func breach(g *models.Geofence, tagID, transition string, pos models.Position, ts time.Time, dwellSec int64) models.Condition {
	return models.Condition{
		Type:       models.AlertGeofenceBreach,
		Severity:   ruleSeverity[g.Rule],
		EntityID:   tagID,
		GeofenceID: g.ID,
		Details: models.AlertDetails{GeofenceBreach: &models.GeofenceBreachDetails{
			GeofenceName: g.Name,
			Rule:         g.Rule,
			Transition:   transition,
			Position:     pos,
			DwellSec:     dwellSec,
			PointTime:    ts,
		}},
		ObservedAt: ts,
	}
}
