package health

import (
	"math"
	"sort"
	"sync"
	"time"

	"wisefido-rtls/internal/models"
)

const (
	uptimeShortWindow = 24 * time.Hour
	uptimeLongWindow  = 7 * 24 * time.Hour

	// PipelineEntityID 未指明来源的链路采样使用的实体 id
	PipelineEntityID = "pipeline"
)

// Thresholds 链路报警阈值
type Thresholds struct {
	PacketLossPct float64
	LatencySLAMs  float64
}

type errorSample struct {
	at  time.Time
	err float64
}

// Aggregator 定位精度与接入链路健康统计
type Aggregator struct {
	mu       sync.RWMutex
	window   time.Duration
	accuracy map[models.Technology][]errorSample
	pipeline []models.PipelineSample // 按 At 升序，保留 7 天
	th       Thresholds
}

// NewAggregator 创建聚合器；window 为精度统计窗口（默认 24h）
func NewAggregator(window time.Duration, th Thresholds) *Aggregator {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Aggregator{
		window:   window,
		accuracy: make(map[models.Technology][]errorSample),
		th:       th,
	}
}

// AddAccuracySamples 写入一批定位误差样本（米）
func (a *Aggregator) AddAccuracySamples(batch models.AccuracyBatch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	if len(batch.Errors) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	samples := a.accuracy[batch.Tech]
	for _, e := range batch.Errors {
		samples = append(samples, errorSample{at: batch.At, err: e})
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].at.Before(samples[j].at) })

	cutoff := samples[len(samples)-1].at.Add(-a.window)
	i := sort.Search(len(samples), func(i int) bool { return samples[i].at.After(cutoff) })
	a.accuracy[batch.Tech] = samples[i:]
	return nil
}

// Accuracy 计算窗口内各技术的 RMSE / CEP50 / CEP95，无样本的技术计数为 0
func (a *Aggregator) Accuracy(now time.Time) []models.AccuracyMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	cutoff := now.Add(-a.window)
	out := make([]models.AccuracyMetrics, 0, len(models.Technologies))
	for _, tech := range models.Technologies {
		var errs []float64
		for _, s := range a.accuracy[tech] {
			if s.at.After(cutoff) && !s.at.After(now) {
				errs = append(errs, s.err)
			}
		}
		out = append(out, computeAccuracy(tech, errs))
	}
	return out
}

func computeAccuracy(tech models.Technology, errs []float64) models.AccuracyMetrics {
	m := models.AccuracyMetrics{Tech: tech, SampleCount: len(errs)}
	if len(errs) == 0 {
		return m
	}
	sort.Float64s(errs)
	var sumSq float64
	for _, e := range errs {
		sumSq += e * e
	}
	m.RMSE = math.Sqrt(sumSq / float64(len(errs)))
	m.CEP50 = NearestRank(errs, 50)
	m.CEP95 = NearestRank(errs, 95)
	return m
}

// NearestRank 最近秩百分位，sorted 须升序且非空
func NearestRank(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// RecordPipeline 记录链路采样，返回超过阈值时的丢包 / 延迟报警条件
func (a *Aggregator) RecordPipeline(s models.PipelineSample) ([]models.Condition, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	i := sort.Search(len(a.pipeline), func(i int) bool { return a.pipeline[i].At.After(s.At) })
	a.pipeline = append(a.pipeline, models.PipelineSample{})
	copy(a.pipeline[i+1:], a.pipeline[i:])
	a.pipeline[i] = s

	cutoff := a.pipeline[len(a.pipeline)-1].At.Add(-uptimeLongWindow)
	j := sort.Search(len(a.pipeline), func(i int) bool { return a.pipeline[i].At.After(cutoff) })
	if j > 0 {
		a.pipeline = append([]models.PipelineSample(nil), a.pipeline[j:]...)
	}
	a.mu.Unlock()

	entity := s.SourceID
	if entity == "" {
		entity = PipelineEntityID
	}

	var conds []models.Condition
	if a.th.PacketLossPct > 0 && s.PacketLossPct > a.th.PacketLossPct {
		conds = append(conds, models.Condition{
			Type:     models.AlertPacketLoss,
			Severity: severityFor(s.PacketLossPct, a.th.PacketLossPct),
			EntityID: entity,
			Details: models.AlertDetails{PacketLoss: &models.PacketLossDetails{
				LossPct:      s.PacketLossPct,
				ThresholdPct: a.th.PacketLossPct,
			}},
			ObservedAt: s.At,
		})
	}
	if a.th.LatencySLAMs > 0 && s.LatencyMs > a.th.LatencySLAMs {
		conds = append(conds, models.Condition{
			Type:     models.AlertLatencySLA,
			Severity: severityFor(s.LatencyMs, a.th.LatencySLAMs),
			EntityID: entity,
			Details: models.AlertDetails{Latency: &models.LatencyDetails{
				LatencyMs: s.LatencyMs,
				SLAMs:     a.th.LatencySLAMs,
			}},
			ObservedAt: s.At,
		})
	}
	return conds, nil
}

func severityFor(value, threshold float64) models.Severity {
	if value >= 2*threshold {
		return models.SeverityCritical
	}
	return models.SeverityWarning
}

// Health 当前链路健康：最新延迟/丢包/连接状态，以及 24h、7d 在线率（连接采样占比）
func (a *Aggregator) Health(now time.Time) models.HealthMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var h models.HealthMetrics
	var latest *models.PipelineSample
	var n24, up24, n7, up7 int
	for i := range a.pipeline {
		s := &a.pipeline[i]
		if s.At.After(now) {
			continue
		}
		latest = s
		age := now.Sub(s.At)
		if age <= uptimeLongWindow {
			n7++
			if s.Connected {
				up7++
			}
		}
		if age <= uptimeShortWindow {
			n24++
			if s.Connected {
				up24++
			}
		}
	}
	if latest == nil {
		return h
	}

	at := latest.At
	h.IngestLatencyMs = latest.LatencyMs
	h.PacketLossPct = latest.PacketLossPct
	h.Connected = latest.Connected
	h.LastSampleAt = &at
	h.SampleCount = n7
	if n24 > 0 {
		h.Uptime24h = float64(up24) / float64(n24)
	}
	if n7 > 0 {
		h.Uptime7d = float64(up7) / float64(n7)
	}
	return h
}
