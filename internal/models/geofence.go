package models

import (
	"fmt"
	"math"
	"time"
)

// GeofenceRule 围栏规则
type GeofenceRule string

const (
	RuleEnter GeofenceRule = "enter"
	RuleExit  GeofenceRule = "exit"
	RuleDwell GeofenceRule = "dwell"
)

// GeofenceVersion 围栏配置版本；删除不是最新的一行只会改变 Count
type GeofenceVersion struct {
	Count     int64
	UpdatedAt time.Time
}

// Equal 两个版本是否相同
func (v GeofenceVersion) Equal(o GeofenceVersion) bool {
	return v.Count == o.Count && v.UpdatedAt.Equal(o.UpdatedAt)
}

// Geofence 电子围栏（简单多边形）
type Geofence struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Polygon  []Point2D    `json:"polygon"`
	Rule     GeofenceRule `json:"rule"`
	DwellSec int64        `json:"dwell_sec,omitempty"`
	Active   bool         `json:"active"`
}

// DwellDuration dwell 规则的持续时长
func (g *Geofence) DwellDuration() time.Duration {
	return time.Duration(g.DwellSec) * time.Second
}

// Validate 校验围栏配置（≥3 个顶点、面积非零、dwell 规则需要时长）
func (g *Geofence) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("%w: geofence id is required", ErrConfig)
	}
	if len(g.Polygon) < 3 {
		return fmt.Errorf("%w: geofence %s has %d vertices, need at least 3", ErrConfig, g.ID, len(g.Polygon))
	}
	for _, v := range g.Polygon {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: geofence %s: %v", ErrConfig, g.ID, err)
		}
	}
	if math.Abs(signedArea(g.Polygon)) < 1e-9 {
		return fmt.Errorf("%w: geofence %s polygon is degenerate", ErrConfig, g.ID)
	}
	switch g.Rule {
	case RuleEnter, RuleExit:
	case RuleDwell:
		if g.DwellSec <= 0 {
			return fmt.Errorf("%w: geofence %s dwell rule needs a positive duration", ErrConfig, g.ID)
		}
	default:
		return fmt.Errorf("%w: geofence %s has unknown rule %q", ErrConfig, g.ID, g.Rule)
	}
	return nil
}

// signedArea 鞋带公式
func signedArea(poly []Point2D) float64 {
	var sum float64
	for i := range poly {
		j := (i + 1) % len(poly)
		sum += poly[i].X*poly[j].Y - poly[j].X*poly[i].Y
	}
	return sum / 2
}
