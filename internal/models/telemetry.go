package models

import (
	"fmt"
	"math"
	"time"
)

// TelemetryEvent 设备遥测事件 {kind, id, observed_at, fields...}
type TelemetryEvent struct {
	Kind       EntityKind    `json:"kind"`
	ID         string        `json:"id"`
	ObservedAt time.Time     `json:"observed_at"`
	Anchor     *AnchorUpdate `json:"anchor,omitempty"`
	Tag        *TagUpdate    `json:"tag,omitempty"`
}

// Validate 校验遥测事件
func (e *TelemetryEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if e.ObservedAt.IsZero() {
		return fmt.Errorf("%w: observed_at is required", ErrValidation)
	}
	switch e.Kind {
	case KindAnchor:
		if e.Tag != nil {
			return fmt.Errorf("%w: anchor telemetry carries tag fields", ErrValidation)
		}
		if e.Anchor != nil {
			return e.Anchor.Validate()
		}
	case KindTag:
		if e.Anchor != nil {
			return fmt.Errorf("%w: tag telemetry carries anchor fields", ErrValidation)
		}
		if e.Tag != nil {
			return e.Tag.Validate()
		}
	default:
		return fmt.Errorf("%w: unknown entity kind %q", ErrValidation, e.Kind)
	}
	return nil
}

// Snapshot 把基站当前状态转成全量遥测；日志压缩后由它代替被清理的遥测记录
func (a Anchor) Snapshot() TelemetryEvent {
	u := &AnchorUpdate{
		Label:    optString(a.Label),
		Position: &Point2D{X: a.Position.X, Y: a.Position.Y},
		Firmware: optString(a.Firmware),
		SNR:      copyFloat(a.Signal.SNR),
		RSSI:     copyFloat(a.Signal.RSSI),
	}
	if a.Tech != "" {
		tech := a.Tech
		u.Tech = &tech
	}
	return TelemetryEvent{Kind: KindAnchor, ID: a.ID, ObservedAt: a.LastSeen, Anchor: u}
}

// Snapshot 标签当前状态的全量遥测
func (t Tag) Snapshot() TelemetryEvent {
	u := &TagUpdate{
		Label:      optString(t.Label),
		BatteryPct: copyFloat(t.BatteryPct),
		Firmware:   optString(t.Firmware),
		SNR:        copyFloat(t.Signal.SNR),
		RSSI:       copyFloat(t.Signal.RSSI),
		HeartRate:  copyFloat(t.Sensors.HeartRate),
		TempC:      copyFloat(t.Sensors.TemperatureC),
		PPG:        copyFloat(t.Sensors.PPG),
	}
	if t.Tech != "" {
		tech := t.Tech
		u.Tech = &tech
	}
	if t.Sensors.IMU != nil {
		imu := *t.Sensors.IMU
		u.IMU = &imu
	}
	return TelemetryEvent{Kind: KindTag, ID: t.ID, ObservedAt: t.LastSeen, Tag: u}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// PipelineSample 接入链路健康采样（由接入方上报）
type PipelineSample struct {
	At            time.Time `json:"at"`
	SourceID      string    `json:"source_id,omitempty"` // 可选：关联的基站/网关
	LatencyMs     float64   `json:"latency_ms"`
	PacketLossPct float64   `json:"packet_loss_pct"`
	Connected     bool      `json:"connected"`
}

// Validate 校验采样
func (s *PipelineSample) Validate() error {
	if s.At.IsZero() {
		return fmt.Errorf("%w: at is required", ErrValidation)
	}
	if math.IsNaN(s.LatencyMs) || s.LatencyMs < 0 {
		return fmt.Errorf("%w: latency_ms must be >= 0", ErrValidation)
	}
	if math.IsNaN(s.PacketLossPct) || s.PacketLossPct < 0 || s.PacketLossPct > 100 {
		return fmt.Errorf("%w: packet_loss_pct out of range", ErrValidation)
	}
	return nil
}

// AccuracyBatch 外部提供的定位误差样本（米）
type AccuracyBatch struct {
	Tech   Technology `json:"tech"`
	At     time.Time  `json:"at"`
	Errors []float64  `json:"errors_m"`
}

// Validate 校验误差样本
func (b *AccuracyBatch) Validate() error {
	if !b.Tech.Valid() {
		return fmt.Errorf("%w: unknown technology %q", ErrValidation, b.Tech)
	}
	if b.At.IsZero() {
		return fmt.Errorf("%w: at is required", ErrValidation)
	}
	for _, e := range b.Errors {
		if math.IsNaN(e) || math.IsInf(e, 0) || e < 0 {
			return fmt.Errorf("%w: error magnitude must be finite and >= 0", ErrValidation)
		}
	}
	return nil
}

// IngestMessage 接入消息信封（MQTT / Redis Streams 共用）
type IngestMessage struct {
	Type      string          `json:"type"` // telemetry, position, pipeline, accuracy
	Telemetry *TelemetryEvent `json:"telemetry,omitempty"`
	Position  *TrackPoint     `json:"position,omitempty"`
	Pipeline  *PipelineSample `json:"pipeline,omitempty"`
	Accuracy  *AccuracyBatch  `json:"accuracy,omitempty"`
}

const (
	IngestTelemetry = "telemetry"
	IngestPosition  = "position"
	IngestPipeline  = "pipeline"
	IngestAccuracy  = "accuracy"
)

// Validate 检查信封类型与负载一致
func (m *IngestMessage) Validate() error {
	switch m.Type {
	case IngestTelemetry:
		if m.Telemetry == nil {
			return fmt.Errorf("%w: telemetry payload missing", ErrValidation)
		}
		return m.Telemetry.Validate()
	case IngestPosition:
		if m.Position == nil {
			return fmt.Errorf("%w: position payload missing", ErrValidation)
		}
		return m.Position.Validate()
	case IngestPipeline:
		if m.Pipeline == nil {
			return fmt.Errorf("%w: pipeline payload missing", ErrValidation)
		}
		return m.Pipeline.Validate()
	case IngestAccuracy:
		if m.Accuracy == nil {
			return fmt.Errorf("%w: accuracy payload missing", ErrValidation)
		}
		return m.Accuracy.Validate()
	}
	return fmt.Errorf("%w: unknown message type %q", ErrValidation, m.Type)
}
