package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-rtls/internal/config"
	"wisefido-rtls/internal/models"

	rediscommon "wisefido-rtls/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Metrics 监控指标
type Metrics struct {
	mu sync.RWMutex

	MessagesProcessed int64 // 处理的消息总数
	MessagesSucceeded int64 // 成功投递到引擎的消息数
	MessagesFailed    int64 // 投递失败（未确认，等待重投）
	MessagesRejected  int64 // 格式错误而丢弃的消息数

	LastProcessTime time.Time
	StartTime       time.Time
}

// GetSnapshot 获取指标快照（线程安全）
func (m *Metrics) GetSnapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		MessagesProcessed: m.MessagesProcessed,
		MessagesSucceeded: m.MessagesSucceeded,
		MessagesFailed:    m.MessagesFailed,
		MessagesRejected:  m.MessagesRejected,
		LastProcessTime:   m.LastProcessTime,
		StartTime:         m.StartTime,
	}
}

func (m *Metrics) record(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesProcessed++
	m.LastProcessTime = time.Now()
	switch outcome {
	case "succeeded":
		m.MessagesSucceeded++
	case "failed":
		m.MessagesFailed++
	case "rejected":
		m.MessagesRejected++
	}
}

// StreamConsumer Redis Streams 接入消费者（消费者组，至少一次投递）
type StreamConsumer struct {
	config      *config.Config
	redisClient *redis.Client
	ingestor    Ingestor
	logger      *zap.Logger
	metrics     *Metrics
}

// NewStreamConsumer 创建 Streams 消费者
func NewStreamConsumer(
	cfg *config.Config,
	redisClient *redis.Client,
	ingestor Ingestor,
	logger *zap.Logger,
) *StreamConsumer {
	return &StreamConsumer{
		config:      cfg,
		redisClient: redisClient,
		ingestor:    ingestor,
		logger:      logger,
		metrics:     &Metrics{StartTime: time.Now()},
	}
}

// Metrics 指标快照
func (c *StreamConsumer) Metrics() Metrics {
	return c.metrics.GetSnapshot()
}

// Start 启动消费循环，阻塞直到 ctx 取消
func (c *StreamConsumer) Start(ctx context.Context) error {
	stream := c.config.Ingest.Stream
	group := c.config.Ingest.ConsumerGroup
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, stream, group); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	if err := c.recoverPending(ctx); err != nil {
		c.logger.Error("Failed to recover pending stream messages", zap.Error(err))
	}

	c.logger.Info("Stream consumer started",
		zap.String("stream", stream),
		zap.String("group", group),
		zap.String("consumer", c.config.Ingest.ConsumerName),
	)

	backoffDuration := time.Second // 初始退避时间
	maxBackoff := 30 * time.Second // 最大退避时间

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stream consumer stopped")
			return nil
		default:
		}

		if err := c.consumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume stream",
				zap.String("stream", stream),
				zap.Duration("backoff", backoffDuration),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoffDuration):
				backoffDuration *= 2
				if backoffDuration > maxBackoff {
					backoffDuration = maxBackoff
				}
			}
			continue
		}
		backoffDuration = time.Second
	}
}

// recoverPending 重新投递本消费者上次未确认的消息（如 Submit 超时后重启）；
// 仍然失败的消息留在 pending 中，不在这里重试。
func (c *StreamConsumer) recoverPending(ctx context.Context) error {
	stream := c.config.Ingest.Stream
	group := c.config.Ingest.ConsumerGroup

	after := "0"
	recovered := 0
	for {
		messages, err := rediscommon.ReadPendingFromStream(ctx, c.redisClient, stream, group,
			c.config.Ingest.ConsumerName, after, c.config.Ingest.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to read pending messages: %w", err)
		}
		if len(messages) == 0 {
			break
		}
		if err := c.handleBatch(ctx, messages); err != nil {
			return err
		}
		recovered += len(messages)
		after = messages[len(messages)-1].ID
	}

	if recovered > 0 {
		c.logger.Info("Redelivered pending stream messages", zap.Int("count", recovered))
	}
	return nil
}

// consumeOnce 读取一批新消息并投递
func (c *StreamConsumer) consumeOnce(ctx context.Context) error {
	messages, err := rediscommon.ReadFromStream(ctx, c.redisClient, c.config.Ingest.Stream, c.config.Ingest.ConsumerGroup,
		c.config.Ingest.ConsumerName, c.config.Ingest.BatchSize, time.Second)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}
	return c.handleBatch(ctx, messages)
}

// handleBatch 投递一批消息；格式错误的消息确认后丢弃，投递失败的不确认
func (c *StreamConsumer) handleBatch(ctx context.Context, messages []rediscommon.StreamMessage) error {
	var ackIDs []string
	for _, msg := range messages {
		switch err := c.processMessage(ctx, msg); {
		case err == nil:
			c.metrics.record("succeeded")
			ackIDs = append(ackIDs, msg.ID)
		case errors.Is(err, models.ErrValidation):
			c.metrics.record("rejected")
			ackIDs = append(ackIDs, msg.ID)
			c.logger.Warn("Rejected stream message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		default:
			c.metrics.record("failed")
			c.logger.Error("Failed to process stream message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}

	if err := rediscommon.AckMessages(ctx, c.redisClient, c.config.Ingest.Stream, c.config.Ingest.ConsumerGroup, ackIDs...); err != nil {
		return fmt.Errorf("failed to ack messages: %w", err)
	}
	return nil
}

func (c *StreamConsumer) processMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return fmt.Errorf("%w: stream message %s has no data field", models.ErrValidation, msg.ID)
	}
	var in models.IngestMessage
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return fmt.Errorf("%w: invalid json: %v", models.ErrValidation, err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	return c.ingestor.Submit(submitCtx, in)
}
