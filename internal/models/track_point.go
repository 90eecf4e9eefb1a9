package models

import (
	"fmt"
	"math"
	"time"
)

// Source 轨迹点来源
type Source string

const (
	SourceRaw         Source = "raw"
	SourceFiltered    Source = "filtered"
	SourceFingerprint Source = "fingerprint"
)

// Valid 是否为已知来源
func (s Source) Valid() bool {
	switch s {
	case SourceRaw, SourceFiltered, SourceFingerprint:
		return true
	}
	return false
}

// Position 定位结果（米），Z 可选
type Position struct {
	X float64  `json:"x"`
	Y float64  `json:"y"`
	Z *float64 `json:"z,omitempty"`
}

// XY 投影到平面
func (p Position) XY() Point2D {
	return Point2D{X: p.X, Y: p.Y}
}

// TrackPoint 单次定位观测；(TagID, Timestamp, Source) 唯一
type TrackPoint struct {
	TagID      string    `json:"tag_id"`
	Timestamp  time.Time `json:"ts"`
	Position   Position  `json:"pos"`
	Covariance *float64  `json:"cov,omitempty"`
	Source     Source    `json:"source"`
}

// TrackKey 去重键
type TrackKey struct {
	TagID     string
	Timestamp int64 // UnixNano
	Source    Source
}

// Key 返回去重键
func (p TrackPoint) Key() TrackKey {
	return TrackKey{TagID: p.TagID, Timestamp: p.Timestamp.UnixNano(), Source: p.Source}
}

// Validate 校验轨迹点
func (p TrackPoint) Validate() error {
	if p.TagID == "" {
		return fmt.Errorf("%w: tag_id is required", ErrValidation)
	}
	if p.Timestamp.IsZero() {
		return fmt.Errorf("%w: ts is required", ErrValidation)
	}
	if !p.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrValidation, p.Source)
	}
	if err := p.Position.XY().Validate(); err != nil {
		return err
	}
	if p.Position.Z != nil && !finiteInRange(*p.Position.Z) {
		return fmt.Errorf("%w: z out of range: %v", ErrValidation, *p.Position.Z)
	}
	if p.Covariance != nil && (math.IsNaN(*p.Covariance) || *p.Covariance < 0) {
		return fmt.Errorf("%w: cov must be >= 0", ErrValidation)
	}
	return nil
}
