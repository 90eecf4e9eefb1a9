package evaluator

import (
	"math"

	"wisefido-rtls/internal/models"
)

const boundaryEpsilon = 1e-9

// Contains 判断点是否在多边形内（射线法），边界上的点视为在内
func Contains(poly []models.Point2D, p models.Point2D) bool {
	n := len(poly)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := poly[j], poly[i]
		if onSegment(a, b, p) {
			return true
		}
		if (b.Y > p.Y) != (a.Y > p.Y) {
			xCross := (a.X-b.X)*(p.Y-b.Y)/(a.Y-b.Y) + b.X
			if p.X < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

func onSegment(a, b, p models.Point2D) bool {
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	if math.Abs(cross) > boundaryEpsilon {
		return false
	}
	return p.X >= math.Min(a.X, b.X)-boundaryEpsilon && p.X <= math.Max(a.X, b.X)+boundaryEpsilon &&
		p.Y >= math.Min(a.Y, b.Y)-boundaryEpsilon && p.Y <= math.Max(a.Y, b.Y)+boundaryEpsilon
}
