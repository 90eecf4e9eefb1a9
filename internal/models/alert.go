package models

import (
	"fmt"
	"time"
)

// AlertType 报警类型
type AlertType string

const (
	AlertGeofenceBreach     AlertType = "geofence_breach"
	AlertLowBattery         AlertType = "low_battery"
	AlertAnchorOffline      AlertType = "anchor_offline"
	AlertTagOffline         AlertType = "tag_offline"
	AlertPacketLoss         AlertType = "packet_loss"
	AlertLatencySLA         AlertType = "latency_sla"
	AlertPrivacyViolation   AlertType = "privacy_violation"
	AlertUnexpectedMovement AlertType = "unexpected_movement"
)

// Valid 是否为已知报警类型
func (t AlertType) Valid() bool {
	switch t {
	case AlertGeofenceBreach, AlertLowBattery, AlertAnchorOffline, AlertTagOffline,
		AlertPacketLoss, AlertLatencySLA, AlertPrivacyViolation, AlertUnexpectedMovement:
		return true
	}
	return false
}

// Severity 报警级别（由触发方决定）
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank 级别排序值，未知级别为 0
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// AlertStatus 报警状态：open → acked → resolved，或 open → resolved
type AlertStatus string

const (
	AlertOpen     AlertStatus = "open"
	AlertAcked    AlertStatus = "acked"
	AlertResolved AlertStatus = "resolved"
)

// Valid 是否为已知状态
func (s AlertStatus) Valid() bool {
	return s == AlertOpen || s == AlertAcked || s == AlertResolved
}

// Alert 报警
type Alert struct {
	ID         string       `json:"id"`
	Type       AlertType    `json:"type"`
	Severity   Severity     `json:"severity"`
	Status     AlertStatus  `json:"status"`
	EntityID   string       `json:"entity_id,omitempty"`
	GeofenceID string       `json:"geofence_id,omitempty"`
	Details    AlertDetails `json:"details"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	AckedAt    *time.Time   `json:"acked_at,omitempty"`
	AckedBy    string       `json:"acked_by,omitempty"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
	ResolvedBy string       `json:"resolved_by,omitempty"`
	// Occurrences 同一条件在 open 期间被重复触发的次数（含首次）
	Occurrences int `json:"occurrences"`
}

// Key 去重键
func (a *Alert) Key() AlertKey {
	return AlertKey{Type: a.Type, EntityID: a.EntityID, GeofenceID: a.GeofenceID}
}

// AlertKey (type, entityId, geofenceId)
type AlertKey struct {
	Type       AlertType
	EntityID   string
	GeofenceID string
}

// String 用于日志与缓存键
func (k AlertKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Type, k.EntityID, k.GeofenceID)
}

// Condition 报警条件（由注册表、围栏评估器、健康聚合器产生）
type Condition struct {
	Type       AlertType    `json:"type"`
	Severity   Severity     `json:"severity"`
	EntityID   string       `json:"entity_id,omitempty"`
	GeofenceID string       `json:"geofence_id,omitempty"`
	Details    AlertDetails `json:"details"`
	ObservedAt time.Time    `json:"observed_at"`
}

// Key 去重键
func (c *Condition) Key() AlertKey {
	return AlertKey{Type: c.Type, EntityID: c.EntityID, GeofenceID: c.GeofenceID}
}

// Validate 校验条件：类型、级别合法，且 details 与类型匹配
func (c *Condition) Validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("%w: unknown alert type %q", ErrValidation, c.Type)
	}
	if c.Severity.Rank() == 0 {
		return fmt.Errorf("%w: unknown severity %q", ErrValidation, c.Severity)
	}
	if c.Type == AlertGeofenceBreach && c.GeofenceID == "" {
		return fmt.Errorf("%w: geofence_breach requires geofence_id", ErrValidation)
	}
	return c.Details.Validate(c.Type)
}

// AlertDetails 报警详情：按类型区分的封闭变体，只能设置与类型对应的一个成员
type AlertDetails struct {
	GeofenceBreach *GeofenceBreachDetails `json:"geofence_breach,omitempty"`
	LowBattery     *LowBatteryDetails     `json:"low_battery,omitempty"`
	DeviceOffline  *DeviceOfflineDetails  `json:"device_offline,omitempty"`
	PacketLoss     *PacketLossDetails     `json:"packet_loss,omitempty"`
	Latency        *LatencyDetails        `json:"latency,omitempty"`
	Privacy        *MessageDetails        `json:"privacy,omitempty"`
	Movement       *MessageDetails        `json:"movement,omitempty"`
}

// Validate 检查 details 恰好设置了与 alertType 对应的成员
func (d AlertDetails) Validate(alertType AlertType) error {
	set := 0
	var match bool
	check := func(present bool, t ...AlertType) {
		if !present {
			return
		}
		set++
		for _, want := range t {
			if want == alertType {
				match = true
			}
		}
	}
	check(d.GeofenceBreach != nil, AlertGeofenceBreach)
	check(d.LowBattery != nil, AlertLowBattery)
	check(d.DeviceOffline != nil, AlertAnchorOffline, AlertTagOffline)
	check(d.PacketLoss != nil, AlertPacketLoss)
	check(d.Latency != nil, AlertLatencySLA)
	check(d.Privacy != nil, AlertPrivacyViolation)
	check(d.Movement != nil, AlertUnexpectedMovement)

	if set != 1 || !match {
		return fmt.Errorf("%w: details do not match alert type %s", ErrValidation, alertType)
	}
	return nil
}

// GeofenceBreachDetails 围栏越界详情
type GeofenceBreachDetails struct {
	GeofenceName string       `json:"geofence_name"`
	Rule         GeofenceRule `json:"rule"`
	Transition   string       `json:"transition"` // entered, exited, dwelled
	Position     Position     `json:"pos"`
	DwellSec     int64        `json:"dwell_sec,omitempty"`
	PointTime    time.Time    `json:"point_ts"`
}

// LowBatteryDetails 低电量详情
type LowBatteryDetails struct {
	BatteryPct   float64 `json:"battery_pct"`
	ThresholdPct float64 `json:"threshold_pct"`
}

// DeviceOfflineDetails 设备离线/降级详情
type DeviceOfflineDetails struct {
	Kind      EntityKind   `json:"kind"`
	Status    DeviceStatus `json:"status"`
	LastSeen  time.Time    `json:"last_seen"`
	SilentSec int64        `json:"silent_sec"`
	Reason    string       `json:"reason"` // stale, timeout, weak_signal
}

// PacketLossDetails 丢包详情
type PacketLossDetails struct {
	LossPct      float64 `json:"loss_pct"`
	ThresholdPct float64 `json:"threshold_pct"`
}

// LatencyDetails 延迟 SLA 详情
type LatencyDetails struct {
	LatencyMs float64 `json:"latency_ms"`
	SLAMs     float64 `json:"sla_ms"`
}

// MessageDetails 仅带说明文字的详情（隐私、异常移动）
type MessageDetails struct {
	Message string `json:"message"`
}
