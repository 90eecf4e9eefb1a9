package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"wisefido-rtls/internal/alert"
	"wisefido-rtls/internal/config"
	"wisefido-rtls/internal/evaluator"
	"wisefido-rtls/internal/health"
	"wisefido-rtls/internal/models"
	"wisefido-rtls/internal/registry"
	"wisefido-rtls/internal/repository"
	"wisefido-rtls/internal/track"

	"github.com/cespare/xxhash/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrNotRunning 引擎未启动或已停止
var ErrNotRunning = errors.New("engine not running")

const notifyQueueSize = 256

// Recorder 事件日志写入（journal.Writer 实现）
type Recorder interface {
	Record(ctx context.Context, eventType, entityID string, observedAt time.Time, payload interface{}) error
	Close(ctx context.Context) error
}

// EventPurger 按时间清理事件日志（repository.EventLogRepository 实现）
type EventPurger interface {
	PurgeBefore(ctx context.Context, before time.Time, eventTypes ...string) (int64, error)
	CompactTelemetry(ctx context.Context, before time.Time, snapshots []repository.EventRecord) (int64, error)
}

// ReadModelCache 读模型缓存（consumer.CacheManager 实现）
type ReadModelCache interface {
	UpdateEntity(ctx context.Context, kind models.EntityKind, id string, snapshot interface{}) error
	UpdateActiveAlerts(ctx context.Context, alerts []models.Alert) error
}

// Notifier 报警通知（notify.WebhookNotifier 实现）
type Notifier interface {
	Notify(ctx context.Context, event string, alert models.Alert) error
}

// Deps 可选依赖，nil 表示不启用
type Deps struct {
	Recorder Recorder
	Purger   EventPurger
	Cache    ReadModelCache
	Notifier Notifier
	Now      func() time.Time
}

// Stats 引擎处理计数
type Stats struct {
	Accepted int64 // Submit 入队成功
	Applied  int64 // lane 内处理成功
	Rejected int64 // lane 内校验失败（如未知标签）
	Panics   int64
}

type laneTask struct {
	msg   *models.IngestMessage
	sweep time.Time
	done  chan struct{} // 非 nil 表示屏障
}

type notification struct {
	event string
	alert models.Alert
}

// Engine RTLS 引擎：持有注册表、轨迹、围栏评估、报警与健康统计，
// 按实体 id 分片到 lane 串行处理，同一实体的事件保持到达顺序。
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	registry  *registry.Registry
	tracks    *track.Store
	evaluator *evaluator.Evaluator
	alerts    *alert.Manager
	health    *health.Aggregator

	recorder Recorder
	purger   EventPurger
	cache    ReadModelCache
	notifier Notifier

	mu      sync.RWMutex // 保护 running 与 lanes 的关闭
	running bool
	stopped bool
	lanes   []chan laneTask
	laneWG  sync.WaitGroup
	bgWG    sync.WaitGroup
	cancel  context.CancelFunc
	cron    *cron.Cron

	notifyCh chan notification

	cacheMu sync.Mutex // 快照与写入 alerts:active 串行，最后写入的总是最新快照

	accepted atomic.Int64
	applied  atomic.Int64
	rejected atomic.Int64
	panics   atomic.Int64
}

// NewEngine 创建引擎
func NewEngine(cfg *config.Config, deps Deps, logger *zap.Logger) *Engine {
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	th := registry.Thresholds{
		StaleAfter:            cfg.Status.StaleAfter,
		OfflineAfter:          cfg.Status.OfflineAfter,
		MinSNRUWB:             cfg.Status.MinSNRUWB,
		MinRSSIBLE:            cfg.Status.MinRSSIBLE,
		MinRSSIRTT:            cfg.Status.MinRSSIRTT,
		LowBatteryWarnPct:     cfg.Alarm.LowBatteryWarnPct,
		LowBatteryCriticalPct: cfg.Alarm.LowBatteryCriticalPct,
	}

	healthTh := health.Thresholds{
		PacketLossPct: cfg.Alarm.PacketLossPct,
		LatencySLAMs:  cfg.Alarm.LatencySLAMs,
	}

	return &Engine{
		cfg:       cfg,
		logger:    logger,
		now:       now,
		registry:  registry.NewRegistry(th, logger),
		tracks:    track.NewStore(),
		evaluator: evaluator.NewEvaluator(logger),
		alerts:    alert.NewManager(now, logger),
		health:    health.NewAggregator(cfg.Health.AccuracyWindow, healthTh),
		recorder:  deps.Recorder,
		purger:    deps.Purger,
		cache:     deps.Cache,
		notifier:  deps.Notifier,
		notifyCh:  make(chan notification, notifyQueueSize),
	}
}

func (e *Engine) laneCount() int {
	if e.cfg.Engine.Lanes > 0 {
		return e.cfg.Engine.Lanes
	}
	return 1
}

// laneFor 实体 id → lane 下标
func (e *Engine) laneFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(e.laneCount()))
}

// Start 启动 lane、巡检与保留期清理任务，立即返回
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running || e.stopped {
		return errors.New("engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)

	var c *cron.Cron
	if e.cfg.Track.PurgeSpec != "" && e.cfg.Track.Retention > 0 {
		c = cron.New()
		_, err := c.AddFunc(e.cfg.Track.PurgeSpec, func() {
			before := e.now().Add(-e.cfg.Track.Retention)
			if _, err := e.Purge(runCtx, before); err != nil {
				e.logger.Error("Retention purge failed", zap.Error(err))
			}
		})
		if err != nil {
			cancel()
			return fmt.Errorf("%w: invalid purge schedule %q: %v", models.ErrConfig, e.cfg.Track.PurgeSpec, err)
		}
	}

	// lane 内处理不随 ctx 取消，保证 Stop 时已入队的任务能写完日志
	laneCtx := context.WithoutCancel(ctx)
	size := e.cfg.Engine.LaneQueueSize
	if size <= 0 {
		size = 1024
	}
	e.lanes = make([]chan laneTask, e.laneCount())
	for i := range e.lanes {
		ch := make(chan laneTask, size)
		e.lanes[i] = ch
		e.laneWG.Add(1)
		go e.runLane(laneCtx, i, ch)
	}

	e.cancel = cancel
	e.running = true

	e.bgWG.Add(2)
	go e.sweepLoop(runCtx)
	go e.dispatchNotifications()

	if c != nil {
		e.cron = c
		c.Start()
	}

	e.logger.Info("RTLS engine started",
		zap.Int("lanes", len(e.lanes)),
		zap.Int("lane_queue_size", size),
		zap.Duration("sweep_interval", e.cfg.Engine.SweepInterval),
	)
	return nil
}

// Stop 停止巡检，关闭 lane 并等待已入队任务处理完，最后刷写事件日志
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.RLock()
	cancel := e.cancel
	e.mu.RUnlock()
	if cancel != nil {
		cancel()
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.stopped = true
	for _, ch := range e.lanes {
		close(ch)
	}
	e.mu.Unlock()

	if e.cron != nil {
		<-e.cron.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		e.laneWG.Wait()
		close(e.notifyCh)
		e.bgWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("engine stop: %w", ctx.Err())
	}

	if e.recorder != nil {
		if err := e.recorder.Close(ctx); err != nil {
			return fmt.Errorf("failed to flush journal: %w", err)
		}
	}

	stats := e.Stats()
	e.logger.Info("RTLS engine stopped",
		zap.Int64("accepted", stats.Accepted),
		zap.Int64("applied", stats.Applied),
		zap.Int64("rejected", stats.Rejected),
		zap.Int64("panics", stats.Panics),
	)
	return nil
}

// Stats 处理计数快照
func (e *Engine) Stats() Stats {
	return Stats{
		Accepted: e.accepted.Load(),
		Applied:  e.applied.Load(),
		Rejected: e.rejected.Load(),
		Panics:   e.panics.Load(),
	}
}

// Submit 同步校验后入队；lane 队列满时阻塞直到 ctx 结束
func (e *Engine) Submit(ctx context.Context, msg models.IngestMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := e.enqueue(ctx, e.laneFor(routingKey(&msg)), laneTask{msg: &msg}); err != nil {
		return err
	}
	e.accepted.Add(1)
	return nil
}

// Sweep 向每个 lane 投递一次巡检任务（按当前时钟）
func (e *Engine) Sweep(ctx context.Context) error {
	now := e.now()
	for i := 0; i < e.laneCount(); i++ {
		if err := e.enqueue(ctx, i, laneTask{sweep: now}); err != nil {
			return err
		}
	}
	return nil
}

// Sync 等待此前入队的任务全部处理完成
func (e *Engine) Sync(ctx context.Context) error {
	barriers := make([]chan struct{}, e.laneCount())
	for i := range barriers {
		barriers[i] = make(chan struct{})
		if err := e.enqueue(ctx, i, laneTask{done: barriers[i]}); err != nil {
			return err
		}
	}
	for _, b := range barriers {
		select {
		case <-b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) enqueue(ctx context.Context, lane int, t laneTask) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.running {
		return ErrNotRunning
	}
	select {
	case e.lanes[lane] <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// routingKey 同一实体的事件进入同一 lane
func routingKey(msg *models.IngestMessage) string {
	switch msg.Type {
	case models.IngestTelemetry:
		return msg.Telemetry.ID
	case models.IngestPosition:
		return msg.Position.TagID
	case models.IngestPipeline:
		return health.PipelineEntityID + ":" + msg.Pipeline.SourceID
	case models.IngestAccuracy:
		return "accuracy:" + string(msg.Accuracy.Tech)
	}
	return msg.Type
}

func (e *Engine) runLane(ctx context.Context, lane int, ch <-chan laneTask) {
	defer e.laneWG.Done()
	for t := range ch {
		e.runTask(ctx, lane, t)
	}
}

func (e *Engine) runTask(ctx context.Context, lane int, t laneTask) {
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			e.logger.Error("Lane task panicked",
				zap.Int("lane", lane),
				zap.Any("panic", r),
			)
		}
	}()

	switch {
	case t.done != nil:
		close(t.done)
	case t.msg != nil:
		if err := e.process(ctx, t.msg); err != nil {
			e.rejected.Add(1)
			e.logger.Warn("Dropped ingest message",
				zap.Int("lane", lane),
				zap.String("type", t.msg.Type),
				zap.Error(err),
			)
			return
		}
		e.applied.Add(1)
	default:
		e.sweepLane(ctx, lane, t.sweep)
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.bgWG.Done()

	interval := e.cfg.Engine.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrNotRunning) {
				e.logger.Warn("Failed to schedule sweep", zap.Error(err))
			}
		}
	}
}

func (e *Engine) sweepLane(ctx context.Context, lane int, now time.Time) {
	owns := func(id string) bool { return e.laneFor(id) == lane }
	for _, change := range e.registry.Sweep(now, owns) {
		e.applyChange(ctx, change, false)
	}
	// 停留计时以标签 id 分片，与 Submit 路由一致
	e.raiseAll(ctx, e.evaluator.CheckDwell(now, owns))
}
