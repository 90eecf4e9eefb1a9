package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-rtls/internal/repository"

	"go.uber.org/zap"
)

// ErrClosed 写入器已关闭
var ErrClosed = errors.New("journal closed")

const maxAttempts = 3

// Sink 批量持久化目标（repository.EventLogRepository 实现）
type Sink interface {
	AppendBatch(ctx context.Context, records []repository.EventRecord) error
}

// Stats 写入统计
type Stats struct {
	Recorded int64 // 入队记录数
	Written  int64 // 已持久化记录数
	Dropped  int64 // 重试后仍失败而丢弃的记录数
	Batches  int64 // 成功写入的批次数
}

// Writer 事件日志批量写入器：累积到 batchSize 或每 flushInterval 写一次
type Writer struct {
	sink          Sink
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger

	mu     sync.RWMutex // 保护 closed 与 ch 的关闭
	closed bool
	ch     chan repository.EventRecord
	done   chan struct{}

	statsMu sync.Mutex
	stats   Stats
}

// NewWriter 创建写入器并启动后台刷写
func NewWriter(sink Sink, batchSize int, flushInterval time.Duration, logger *zap.Logger) *Writer {
	if batchSize <= 0 {
		batchSize = 200
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	w := &Writer{
		sink:          sink,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
		ch:            make(chan repository.EventRecord, batchSize*4),
		done:          make(chan struct{}),
	}
	go w.run()
	return w
}

// Record 序列化并入队一条记录；队列满时阻塞直到 ctx 结束
func (w *Writer) Record(ctx context.Context, eventType, entityID string, observedAt time.Time, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	rec := repository.EventRecord{
		EventType:  eventType,
		EntityID:   entityID,
		ObservedAt: observedAt,
		Payload:    data,
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.ch <- rec:
		w.statsMu.Lock()
		w.stats.Recorded++
		w.statsMu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止接收并刷写剩余记录
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats 统计快照
func (w *Writer) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]repository.EventRecord, 0, w.batchSize)
	for {
		select {
		case rec, ok := <-w.ch:
			if !ok {
				w.flush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = make([]repository.EventRecord, 0, w.batchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = make([]repository.EventRecord, 0, w.batchSize)
			}
		}
	}
}

// flush 写入一批，失败时指数退避重试
func (w *Writer) flush(batch []repository.EventRecord) {
	if len(batch) == 0 {
		return
	}

	backoff := 100 * time.Millisecond
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = w.sink.AppendBatch(ctx, batch)
		cancel()
		if err == nil {
			w.statsMu.Lock()
			w.stats.Written += int64(len(batch))
			w.stats.Batches++
			w.statsMu.Unlock()
			return
		}
		w.logger.Warn("Failed to write journal batch, retrying",
			zap.Int("attempt", attempt),
			zap.Int("records", len(batch)),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if attempt < maxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	w.statsMu.Lock()
	w.stats.Dropped += int64(len(batch))
	w.statsMu.Unlock()
	w.logger.Error("Dropped journal batch",
		zap.Int("records", len(batch)),
		zap.Error(err),
	)
}
