package track

import (
	"iter"
	"sort"
	"sync"
	"time"

	"wisefido-rtls/internal/models"
)

// Query 轨迹查询条件；From/To 为闭区间，零值表示不限；Source 为空表示全部来源
type Query struct {
	TagID  string
	From   time.Time
	To     time.Time
	Source models.Source
}

func (q Query) match(p models.TrackPoint) bool {
	if !q.From.IsZero() && p.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && p.Timestamp.After(q.To) {
		return false
	}
	return q.Source == "" || p.Source == q.Source
}

// Store 标签轨迹存储，每个标签的点按时间有序
type Store struct {
	mu     sync.RWMutex
	points map[string][]models.TrackPoint
}

// NewStore 创建轨迹存储
func NewStore() *Store {
	return &Store{points: make(map[string][]models.TrackPoint)}
}

// Append 写入轨迹点；(tag, ts, source) 已存在时覆盖并返回 replaced=true
func (s *Store) Append(p models.TrackPoint) (replaced bool, err error) {
	if err := p.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pts := s.points[p.TagID]
	// 第一个时间戳大于 p 的位置
	i := sort.Search(len(pts), func(i int) bool { return pts[i].Timestamp.After(p.Timestamp) })
	for j := i - 1; j >= 0 && pts[j].Timestamp.Equal(p.Timestamp); j-- {
		if pts[j].Source == p.Source {
			pts[j] = p
			return true, nil
		}
	}

	pts = append(pts, models.TrackPoint{})
	copy(pts[i+1:], pts[i:])
	pts[i] = p
	s.points[p.TagID] = pts
	return false, nil
}

// Latest 标签在指定来源下时间最新的点
func (s *Store) Latest(tagID string, source models.Source) (models.TrackPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pts := s.points[tagID]
	for i := len(pts) - 1; i >= 0; i-- {
		if pts[i].Source == source {
			return pts[i], true
		}
	}
	return models.TrackPoint{}, false
}

// Query 返回按时间升序的轨迹迭代器
//
// 迭代器基于调用时刻的快照，可重复遍历，后续写入不影响已返回的结果。
func (s *Store) Query(q Query) iter.Seq[models.TrackPoint] {
	s.mu.RLock()
	pts := s.points[q.TagID]
	lo := 0
	if !q.From.IsZero() {
		lo = sort.Search(len(pts), func(i int) bool { return !pts[i].Timestamp.Before(q.From) })
	}
	var snapshot []models.TrackPoint
	for _, p := range pts[lo:] {
		if !q.To.IsZero() && p.Timestamp.After(q.To) {
			break
		}
		if q.match(p) {
			snapshot = append(snapshot, p)
		}
	}
	s.mu.RUnlock()

	return func(yield func(models.TrackPoint) bool) {
		for _, p := range snapshot {
			if !yield(p) {
				return
			}
		}
	}
}

// Count 当前存储的点数
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, pts := range s.points {
		n += len(pts)
	}
	return n
}

// Purge 删除时间早于 olderThan 的点，返回删除数量；重复调用是幂等的
func (s *Store) Purge(olderThan time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for tagID, pts := range s.points {
		i := sort.Search(len(pts), func(i int) bool { return !pts[i].Timestamp.Before(olderThan) })
		if i == 0 {
			continue
		}
		removed += i
		if i == len(pts) {
			delete(s.points, tagID)
			continue
		}
		s.points[tagID] = append([]models.TrackPoint(nil), pts[i:]...)
	}
	return removed
}
