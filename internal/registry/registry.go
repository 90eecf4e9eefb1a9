package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-rtls/internal/models"

	"go.uber.org/zap"
)

// Thresholds 设备状态与电量判定阈值
type Thresholds struct {
	StaleAfter            time.Duration
	OfflineAfter          time.Duration
	MinSNRUWB             float64
	MinRSSIBLE            float64
	MinRSSIRTT            float64
	LowBatteryWarnPct     float64
	LowBatteryCriticalPct float64
}

// DefaultThresholds 默认阈值
func DefaultThresholds() Thresholds {
	return Thresholds{
		StaleAfter:            10 * time.Second,
		OfflineAfter:          120 * time.Second,
		MinSNRUWB:             14,
		MinRSSIBLE:            -65,
		MinRSSIRTT:            -70,
		LowBatteryWarnPct:     15,
		LowBatteryCriticalPct: 5,
	}
}

// Change 一次更新/巡检的结果
type Change struct {
	Kind       models.EntityKind
	ID         string
	Created    bool
	PrevStatus models.DeviceStatus
	Status     models.DeviceStatus
	Conditions []models.Condition
}

// StatusChanged 状态是否发生变化
func (c Change) StatusChanged() bool {
	return c.PrevStatus != c.Status
}

// Filter 查询过滤条件，零值表示不过滤
type Filter struct {
	Status models.DeviceStatus
	Tech   models.Technology
}

type batteryBand int

const (
	bandNormal batteryBand = iota
	bandWarning
	bandCritical
)

type tagEntry struct {
	tag  models.Tag
	band batteryBand
}

// Registry 基站/标签注册表（内存权威状态）
//
// 读接口返回值拷贝；指针字段只整体替换不原地修改，因此浅拷贝可以安全共享。
type Registry struct {
	mu      sync.RWMutex
	anchors map[string]*models.Anchor
	tags    map[string]*tagEntry
	th      Thresholds
	logger  *zap.Logger
}

// NewRegistry 创建注册表
func NewRegistry(th Thresholds, logger *zap.Logger) *Registry {
	return &Registry{
		anchors: make(map[string]*models.Anchor),
		tags:    make(map[string]*tagEntry),
		th:      th,
		logger:  logger,
	}
}

// UpsertTelemetry 应用遥测：不存在则创建，重新计算状态并返回需要触发的报警条件
func (r *Registry) UpsertTelemetry(ev models.TelemetryEvent, now time.Time) (Change, error) {
	if err := ev.Validate(); err != nil {
		return Change{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case models.KindAnchor:
		return r.upsertAnchor(ev, now), nil
	case models.KindTag:
		return r.upsertTag(ev, now), nil
	}
	return Change{}, fmt.Errorf("%w: unknown entity kind %q", models.ErrValidation, ev.Kind)
}

func (r *Registry) upsertAnchor(ev models.TelemetryEvent, now time.Time) Change {
	a, ok := r.anchors[ev.ID]
	change := Change{Kind: models.KindAnchor, ID: ev.ID, Created: !ok}
	if !ok {
		a = &models.Anchor{ID: ev.ID, LastSeen: ev.ObservedAt}
		r.anchors[ev.ID] = a
	} else {
		change.PrevStatus = a.Status
	}

	if u := ev.Anchor; u != nil {
		if u.Label != nil {
			a.Label = *u.Label
		}
		if u.Tech != nil {
			a.Tech = *u.Tech
		}
		if u.Position != nil {
			a.Position = *u.Position
		}
		if u.Firmware != nil {
			a.Firmware = *u.Firmware
		}
		if u.SNR != nil {
			a.Signal.SNR = float64Ptr(*u.SNR)
		}
		if u.RSSI != nil {
			a.Signal.RSSI = float64Ptr(*u.RSSI)
		}
	}
	if ev.ObservedAt.After(a.LastSeen) {
		a.LastSeen = ev.ObservedAt
	}

	status, reason := r.deriveStatus(a.LastSeen, now, a.Tech, a.Signal)
	a.Status = status
	change.Status = status
	if cond, ok := r.statusCondition(models.KindAnchor, a.ID, change.PrevStatus, status, reason, a.LastSeen, now); ok {
		change.Conditions = append(change.Conditions, cond)
	}
	return change
}

func (r *Registry) upsertTag(ev models.TelemetryEvent, now time.Time) Change {
	e, ok := r.tags[ev.ID]
	change := Change{Kind: models.KindTag, ID: ev.ID, Created: !ok}
	if !ok {
		e = &tagEntry{tag: models.Tag{ID: ev.ID, LastSeen: ev.ObservedAt}}
		r.tags[ev.ID] = e
	} else {
		change.PrevStatus = e.tag.Status
	}

	t := &e.tag
	if u := ev.Tag; u != nil {
		if u.Label != nil {
			t.Label = *u.Label
		}
		if u.Tech != nil {
			t.Tech = *u.Tech
		}
		if u.Firmware != nil {
			t.Firmware = *u.Firmware
		}
		if u.SNR != nil {
			t.Signal.SNR = float64Ptr(*u.SNR)
		}
		if u.RSSI != nil {
			t.Signal.RSSI = float64Ptr(*u.RSSI)
		}
		if u.HeartRate != nil {
			t.Sensors.HeartRate = float64Ptr(*u.HeartRate)
		}
		if u.TempC != nil {
			t.Sensors.TemperatureC = float64Ptr(*u.TempC)
		}
		if u.PPG != nil {
			t.Sensors.PPG = float64Ptr(*u.PPG)
		}
		if u.IMU != nil {
			imu := *u.IMU
			t.Sensors.IMU = &imu
		}
		if u.BatteryPct != nil {
			t.BatteryPct = float64Ptr(*u.BatteryPct)
			if cond, ok := r.batteryCondition(e, *u.BatteryPct, ev.ObservedAt); ok {
				change.Conditions = append(change.Conditions, cond)
			}
		}
	}
	if ev.ObservedAt.After(t.LastSeen) {
		t.LastSeen = ev.ObservedAt
	}

	status, reason := r.deriveStatus(t.LastSeen, now, t.Tech, t.Signal)
	t.Status = status
	change.Status = status
	if cond, ok := r.statusCondition(models.KindTag, t.ID, change.PrevStatus, status, reason, t.LastSeen, now); ok {
		change.Conditions = append(change.Conditions, cond)
	}
	return change
}

// Touch 收到定位点时刷新标签的 lastSeen；未知标签返回 ErrNotFound
func (r *Registry) Touch(tagID string, observedAt, now time.Time) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tags[tagID]
	if !ok {
		return Change{}, fmt.Errorf("%w: tag %s", models.ErrNotFound, tagID)
	}
	t := &e.tag
	change := Change{Kind: models.KindTag, ID: tagID, PrevStatus: t.Status}
	if observedAt.After(t.LastSeen) {
		t.LastSeen = observedAt
	}
	status, reason := r.deriveStatus(t.LastSeen, now, t.Tech, t.Signal)
	t.Status = status
	change.Status = status
	if cond, ok := r.statusCondition(models.KindTag, tagID, change.PrevStatus, status, reason, t.LastSeen, now); ok {
		change.Conditions = append(change.Conditions, cond)
	}
	return change, nil
}

// Sweep 对沉默设备重新推导状态，owns 为 nil 时处理全部实体；只返回状态发生变化的实体
func (r *Registry) Sweep(now time.Time, owns func(id string) bool) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changes []Change
	for id, a := range r.anchors {
		if owns != nil && !owns(id) {
			continue
		}
		status, reason := r.deriveStatus(a.LastSeen, now, a.Tech, a.Signal)
		if status == a.Status {
			continue
		}
		change := Change{Kind: models.KindAnchor, ID: id, PrevStatus: a.Status, Status: status}
		a.Status = status
		if cond, ok := r.statusCondition(models.KindAnchor, id, change.PrevStatus, status, reason, a.LastSeen, now); ok {
			change.Conditions = append(change.Conditions, cond)
		}
		changes = append(changes, change)
	}
	for id, e := range r.tags {
		if owns != nil && !owns(id) {
			continue
		}
		t := &e.tag
		status, reason := r.deriveStatus(t.LastSeen, now, t.Tech, t.Signal)
		if status == t.Status {
			continue
		}
		change := Change{Kind: models.KindTag, ID: id, PrevStatus: t.Status, Status: status}
		t.Status = status
		if cond, ok := r.statusCondition(models.KindTag, id, change.PrevStatus, status, reason, t.LastSeen, now); ok {
			change.Conditions = append(change.Conditions, cond)
		}
		changes = append(changes, change)
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].ID < changes[j].ID })
	if len(changes) > 0 {
		r.logger.Debug("Registry sweep changed status",
			zap.Int("changes", len(changes)),
			zap.Time("now", now),
		)
	}
	return changes
}

// deriveStatus 按沉默时长和信号下限推导状态，返回状态与原因
func (r *Registry) deriveStatus(lastSeen, now time.Time, tech models.Technology, sig models.Signal) (models.DeviceStatus, string) {
	age := now.Sub(lastSeen)
	switch {
	case age > r.th.OfflineAfter:
		return models.StatusOffline, "timeout"
	case age > r.th.StaleAfter:
		return models.StatusDegraded, "stale"
	case r.weakSignal(tech, sig):
		return models.StatusDegraded, "weak_signal"
	}
	return models.StatusOnline, ""
}

func (r *Registry) weakSignal(tech models.Technology, sig models.Signal) bool {
	switch tech {
	case models.TechUWB:
		return sig.SNR != nil && *sig.SNR < r.th.MinSNRUWB
	case models.TechBLE:
		return sig.RSSI != nil && *sig.RSSI < r.th.MinRSSIBLE
	case models.TechWiFiRTT:
		return sig.RSSI != nil && *sig.RSSI < r.th.MinRSSIRTT
	}
	return false
}

// statusCondition 进入 offline/degraded 时产生离线报警条件；恢复 online 不产生条件
func (r *Registry) statusCondition(kind models.EntityKind, id string, prev, next models.DeviceStatus, reason string, lastSeen, now time.Time) (models.Condition, bool) {
	if prev == next || next == models.StatusOnline {
		return models.Condition{}, false
	}

	alertType := models.AlertAnchorOffline
	if kind == models.KindTag {
		alertType = models.AlertTagOffline
	}
	severity := models.SeverityWarning
	if next == models.StatusOffline {
		severity = models.SeverityCritical
	}
	silent := now.Sub(lastSeen)
	if silent < 0 {
		silent = 0
	}
	return models.Condition{
		Type:     alertType,
		Severity: severity,
		EntityID: id,
		Details: models.AlertDetails{DeviceOffline: &models.DeviceOfflineDetails{
			Kind:      kind,
			Status:    next,
			LastSeen:  lastSeen,
			SilentSec: int64(silent / time.Second),
			Reason:    reason,
		}},
		ObservedAt: now,
	}, true
}

// batteryCondition 电量跌入更低的档位时产生 low_battery 条件；回升只更新档位
func (r *Registry) batteryCondition(e *tagEntry, pct float64, at time.Time) (models.Condition, bool) {
	band := bandNormal
	threshold := r.th.LowBatteryWarnPct
	switch {
	case pct < r.th.LowBatteryCriticalPct:
		band = bandCritical
		threshold = r.th.LowBatteryCriticalPct
	case pct < r.th.LowBatteryWarnPct:
		band = bandWarning
	}

	prev := e.band
	e.band = band
	if band <= prev {
		return models.Condition{}, false
	}

	severity := models.SeverityWarning
	if band == bandCritical {
		severity = models.SeverityCritical
	}
	return models.Condition{
		Type:     models.AlertLowBattery,
		Severity: severity,
		EntityID: e.tag.ID,
		Details: models.AlertDetails{LowBattery: &models.LowBatteryDetails{
			BatteryPct:   pct,
			ThresholdPct: threshold,
		}},
		ObservedAt: at,
	}, true
}

// Anchor 查询基站
func (r *Registry) Anchor(id string) (models.Anchor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.anchors[id]
	if !ok {
		return models.Anchor{}, false
	}
	return *a, true
}

// Tag 查询标签
func (r *Registry) Tag(id string) (models.Tag, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tags[id]
	if !ok {
		return models.Tag{}, false
	}
	return e.tag, true
}

// HasTag 标签是否已注册
func (r *Registry) HasTag(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tags[id]
	return ok
}

// Anchors 按过滤条件列出基站（按 id 排序）
func (r *Registry) Anchors(f Filter) []models.Anchor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Anchor, 0, len(r.anchors))
	for _, a := range r.anchors {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Tech != "" && a.Tech != f.Tech {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tags 按过滤条件列出标签（按 id 排序）
func (r *Registry) Tags(f Filter) []models.Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Tag, 0, len(r.tags))
	for _, e := range r.tags {
		if f.Status != "" && e.tag.Status != f.Status {
			continue
		}
		if f.Tech != "" && e.tag.Tech != f.Tech {
			continue
		}
		out = append(out, e.tag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func float64Ptr(v float64) *float64 {
	return &v
}
