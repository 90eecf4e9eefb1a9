package models

import "time"

// AccuracyMetrics 单一技术的定位精度统计
type AccuracyMetrics struct {
	Tech        Technology `json:"tech"`
	RMSE        float64    `json:"rmse"`
	CEP50       float64    `json:"cep50"`
	CEP95       float64    `json:"cep95"`
	SampleCount int        `json:"sample_count"`
}

// HealthMetrics 接入链路健康
type HealthMetrics struct {
	IngestLatencyMs float64    `json:"ingest_latency_ms"`
	PacketLossPct   float64    `json:"packet_loss_pct"`
	Connected       bool       `json:"connected"`
	Uptime24h       float64    `json:"uptime_24h"`
	Uptime7d        float64    `json:"uptime_7d"`
	LastSampleAt    *time.Time `json:"last_sample_at,omitempty"`
	SampleCount     int        `json:"sample_count"`
}
