package models

import (
	"fmt"
	"math"
	"time"
)

// Technology 无线定位技术
type Technology string

const (
	TechUWB     Technology = "UWB"
	TechBLE     Technology = "BLE"
	TechWiFiRTT Technology = "WIFI_RTT"
)

// Technologies 全部支持的技术类型（封闭集合）
var Technologies = []Technology{TechUWB, TechBLE, TechWiFiRTT}

// Valid 是否为已知技术类型
func (t Technology) Valid() bool {
	switch t {
	case TechUWB, TechBLE, TechWiFiRTT:
		return true
	}
	return false
}

// DeviceStatus 设备状态（派生值，不作为权威存储）
type DeviceStatus string

const (
	StatusOnline   DeviceStatus = "online"
	StatusDegraded DeviceStatus = "degraded"
	StatusOffline  DeviceStatus = "offline"
)

// Valid 是否为已知状态
func (s DeviceStatus) Valid() bool {
	return s == StatusOnline || s == StatusDegraded || s == StatusOffline
}

// EntityKind 实体类型
type EntityKind string

const (
	KindAnchor EntityKind = "anchor"
	KindTag    EntityKind = "tag"
)

// Valid 是否为已知实体类型
func (k EntityKind) Valid() bool {
	return k == KindAnchor || k == KindTag
}

// MaxCoordinateMeters 楼层坐标的合法范围（米）
const MaxCoordinateMeters = 10000.0

// Point2D 平面坐标（米）
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Validate 检查坐标是否为有限值且在范围内
func (p Point2D) Validate() error {
	if !finiteInRange(p.X) || !finiteInRange(p.Y) {
		return fmt.Errorf("%w: coordinate out of range (%v, %v)", ErrValidation, p.X, p.Y)
	}
	return nil
}

func finiteInRange(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && math.Abs(v) <= MaxCoordinateMeters
}

// Signal 信号质量（可选字段）
type Signal struct {
	SNR  *float64 `json:"snr,omitempty"`  // dB
	RSSI *float64 `json:"rssi,omitempty"` // dBm
}

// Anchor 固定基站
type Anchor struct {
	ID       string       `json:"id"`
	Label    string       `json:"label"`
	Tech     Technology   `json:"tech"`
	Position Point2D      `json:"position"`
	Firmware string       `json:"firmware"`
	Signal   Signal       `json:"signal"`
	LastSeen time.Time    `json:"last_seen"`
	Status   DeviceStatus `json:"status"`
}

// IMU 三轴加速度
type IMU struct {
	AX float64 `json:"ax"`
	AY float64 `json:"ay"`
	AZ float64 `json:"az"`
}

// Sensors 标签传感器读数（与技术类型相关，均为可选）
type Sensors struct {
	HeartRate    *float64 `json:"hr,omitempty"`
	TemperatureC *float64 `json:"temp_c,omitempty"`
	PPG          *float64 `json:"ppg,omitempty"`
	IMU          *IMU     `json:"imu,omitempty"`
}

// Tag 移动标签（腕带/资产）
type Tag struct {
	ID         string       `json:"id"`
	Label      string       `json:"label"`
	Tech       Technology   `json:"tech"`
	BatteryPct *float64     `json:"battery_pct,omitempty"`
	Sensors    Sensors      `json:"sensors"`
	Signal     Signal       `json:"signal"`
	Firmware   string       `json:"firmware"`
	LastSeen   time.Time    `json:"last_seen"`
	Status     DeviceStatus `json:"status"`
}

// AnchorUpdate 基站遥测更新，nil 字段表示不变
type AnchorUpdate struct {
	Label    *string     `json:"label,omitempty"`
	Tech     *Technology `json:"tech,omitempty"`
	Position *Point2D    `json:"position,omitempty"`
	Firmware *string     `json:"firmware,omitempty"`
	SNR      *float64    `json:"snr,omitempty"`
	RSSI     *float64    `json:"rssi,omitempty"`
}

// Validate 校验字段取值
func (u *AnchorUpdate) Validate() error {
	if u.Tech != nil && !u.Tech.Valid() {
		return fmt.Errorf("%w: unknown technology %q", ErrValidation, *u.Tech)
	}
	if u.Position != nil {
		if err := u.Position.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TagUpdate 标签遥测更新，nil 字段表示不变
type TagUpdate struct {
	Label      *string     `json:"label,omitempty"`
	Tech       *Technology `json:"tech,omitempty"`
	BatteryPct *float64    `json:"battery_pct,omitempty"`
	Firmware   *string     `json:"firmware,omitempty"`
	SNR        *float64    `json:"snr,omitempty"`
	RSSI       *float64    `json:"rssi,omitempty"`
	HeartRate  *float64    `json:"hr,omitempty"`
	TempC      *float64    `json:"temp_c,omitempty"`
	PPG        *float64    `json:"ppg,omitempty"`
	IMU        *IMU        `json:"imu,omitempty"`
}

// Validate 校验字段取值
func (u *TagUpdate) Validate() error {
	if u.Tech != nil && !u.Tech.Valid() {
		return fmt.Errorf("%w: unknown technology %q", ErrValidation, *u.Tech)
	}
	if u.BatteryPct != nil {
		b := *u.BatteryPct
		if math.IsNaN(b) || b < 0 || b > 100 {
			return fmt.Errorf("%w: battery_pct out of range: %v", ErrValidation, b)
		}
	}
	return nil
}
