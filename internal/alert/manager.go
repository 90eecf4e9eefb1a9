package alert

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-rtls/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Filter 报警查询条件：各字段可选（空值匹配全部），按 AND 组合
type Filter struct {
	Severity   models.Severity
	Status     models.AlertStatus
	Type       models.AlertType
	EntityID   string
	GeofenceID string
	Limit      int // <= 0 表示不分页
	Offset     int
}

func (f Filter) match(a *models.Alert) bool {
	return (f.Severity == "" || a.Severity == f.Severity) &&
		(f.Status == "" || a.Status == f.Status) &&
		(f.Type == "" || a.Type == f.Type) &&
		(f.EntityID == "" || a.EntityID == f.EntityID) &&
		(f.GeofenceID == "" || a.GeofenceID == f.GeofenceID)
}

// RaiseResult Raise 的结果
type RaiseResult struct {
	Alert     models.Alert
	Created   bool // 新建报警
	Escalated bool // 已有报警级别提升
	Recurred  bool // 已确认（acked）的报警再次触发
}

// Manager 报警生命周期管理
//
// 同一去重键 (type, entityId, geofenceId) 最多存在一条未解决（open/acked）报警。
// 条件持续期间再次触发时原地更新该报警；resolved 为终态，之后再次触发会新建报警。
type Manager struct {
	mu     sync.RWMutex
	alerts map[string]*models.Alert
	active map[models.AlertKey]string // 去重键 -> 未解决报警 id

	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// NewManager 创建报警管理器；now 为 nil 时使用 time.Now
func NewManager(now func() time.Time, logger *zap.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		alerts: make(map[string]*models.Alert),
		active: make(map[models.AlertKey]string),
		now:    now,
		newID:  func() string { return uuid.New().String() },
		logger: logger,
	}
}

// Raise 触发报警条件
func (m *Manager) Raise(cond models.Condition) (RaiseResult, error) {
	if err := cond.Validate(); err != nil {
		return RaiseResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := cond.Key()
	if id, ok := m.active[key]; ok {
		a := m.alerts[id]
		escalated := cond.Severity.Rank() > a.Severity.Rank()
		if escalated {
			a.Severity = cond.Severity
		}
		a.Details = cond.Details
		a.UpdatedAt = now
		a.Occurrences++
		return RaiseResult{Alert: *a, Escalated: escalated, Recurred: a.Status == models.AlertAcked}, nil
	}

	a := &models.Alert{
		ID:          m.newID(),
		Type:        cond.Type,
		Severity:    cond.Severity,
		Status:      models.AlertOpen,
		EntityID:    cond.EntityID,
		GeofenceID:  cond.GeofenceID,
		Details:     cond.Details,
		CreatedAt:   now,
		UpdatedAt:   now,
		Occurrences: 1,
	}
	m.alerts[a.ID] = a
	m.active[key] = a.ID

	m.logger.Info("Alert opened",
		zap.String("alert_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("severity", string(a.Severity)),
		zap.String("entity_id", a.EntityID),
		zap.String("geofence_id", a.GeofenceID),
	)
	return RaiseResult{Alert: *a, Created: true}, nil
}

// Acknowledge open -> acked
func (m *Manager) Acknowledge(id, by string) (models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return models.Alert{}, fmt.Errorf("%w: alert %s", models.ErrNotFound, id)
	}
	if a.Status != models.AlertOpen {
		return models.Alert{}, fmt.Errorf("%w: cannot acknowledge alert %s in status %s", models.ErrInvalidTransition, id, a.Status)
	}
	now := m.now()
	a.Status = models.AlertAcked
	a.AckedAt = &now
	a.AckedBy = by
	a.UpdatedAt = now
	return *a, nil
}

// Resolve open|acked -> resolved
func (m *Manager) Resolve(id, by string) (models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return models.Alert{}, fmt.Errorf("%w: alert %s", models.ErrNotFound, id)
	}
	if a.Status == models.AlertResolved {
		return models.Alert{}, fmt.Errorf("%w: alert %s already resolved", models.ErrInvalidTransition, id)
	}
	now := m.now()
	a.Status = models.AlertResolved
	a.ResolvedAt = &now
	a.ResolvedBy = by
	a.UpdatedAt = now
	if m.active[a.Key()] == id {
		delete(m.active, a.Key())
	}
	return *a, nil
}

// Get 按 id 查询
func (m *Manager) Get(id string) (models.Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return models.Alert{}, false
	}
	return *a, true
}

// List 按条件查询，按创建时间倒序；返回当前页与匹配总数
func (m *Manager) List(f Filter) ([]models.Alert, int) {
	m.mu.RLock()
	matched := make([]models.Alert, 0)
	for _, a := range m.alerts {
		if f.match(a) {
			matched = append(matched, *a)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= total {
			return []models.Alert{}, total
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, total
}

// Restore 回放时恢复报警快照；同一 id 以后写入的快照为准
func (m *Manager) Restore(a models.Alert) error {
	if a.ID == "" || !a.Type.Valid() || !a.Status.Valid() {
		return fmt.Errorf("%w: invalid alert snapshot %q", models.ErrValidation, a.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	restored := a
	m.alerts[a.ID] = &restored
	key := a.Key()
	switch a.Status {
	case models.AlertOpen, models.AlertAcked:
		m.active[key] = a.ID
	case models.AlertResolved:
		if m.active[key] == a.ID {
			delete(m.active, key)
		}
	}
	return nil
}
