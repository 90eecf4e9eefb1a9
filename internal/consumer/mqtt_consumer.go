package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wisefido-rtls/internal/config"
	"wisefido-rtls/internal/models"

	mqttcommon "wisefido-rtls/common/mqtt"

	"go.uber.org/zap"
)

// submitTimeout 引擎队列持续满时放弃投递的等待时间
const submitTimeout = 5 * time.Second

// Subscriber MQTT 订阅接口（mqttcommon.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTConsumer MQTT 接入消费者
//
// 主题格式：
//
//	rtls/{device_id}/telemetry  TelemetryEvent
//	rtls/{tag_id}/position      TrackPoint
//	rtls/pipeline/health        PipelineSample
//	rtls/accuracy               AccuracyBatch
type MQTTConsumer struct {
	config     *config.Config
	mqttClient Subscriber
	ingestor   Ingestor
	logger     *zap.Logger
}

// NewMQTTConsumer 创建 MQTT 消费者
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient Subscriber,
	ingestor Ingestor,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		ingestor:   ingestor,
		logger:     logger,
	}
}

func (c *MQTTConsumer) topics() map[string]mqttcommon.MessageHandler {
	return map[string]mqttcommon.MessageHandler{
		c.config.Ingest.TopicTelemetry: c.handleTelemetry,
		c.config.Ingest.TopicPosition:  c.handlePosition,
		c.config.Ingest.TopicPipeline:  c.handlePipeline,
		c.config.Ingest.TopicAccuracy:  c.handleAccuracy,
	}
}

// Start 订阅全部接入主题，阻塞直到 ctx 取消
func (c *MQTTConsumer) Start(ctx context.Context) error {
	for topic, handler := range c.topics() {
		if err := c.mqttClient.Subscribe(topic, c.config.MQTT.QoS, handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		c.logger.Info("MQTT consumer subscribed", zap.String("topic", topic))
	}

	<-ctx.Done()
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop() {
	topics := make([]string, 0, 4)
	for topic := range c.topics() {
		topics = append(topics, topic)
	}
	if err := c.mqttClient.Unsubscribe(topics...); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("MQTT consumer stopped")
}

// topicID 取主题第二段作为设备 id（rtls/{id}/...）
func topicID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

func (c *MQTTConsumer) handleTelemetry(topic string, payload []byte) error {
	var ev models.TelemetryEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("failed to unmarshal telemetry: %w", err)
	}
	if ev.ID == "" {
		ev.ID = topicID(topic)
	} else if id := topicID(topic); id != "" && id != ev.ID {
		return fmt.Errorf("%w: topic id %s does not match payload id %s", models.ErrValidation, id, ev.ID)
	}
	return c.submit(topic, models.IngestMessage{Type: models.IngestTelemetry, Telemetry: &ev})
}

func (c *MQTTConsumer) handlePosition(topic string, payload []byte) error {
	var p models.TrackPoint
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal position: %w", err)
	}
	if p.TagID == "" {
		p.TagID = topicID(topic)
	}
	return c.submit(topic, models.IngestMessage{Type: models.IngestPosition, Position: &p})
}

func (c *MQTTConsumer) handlePipeline(topic string, payload []byte) error {
	var s models.PipelineSample
	if err := json.Unmarshal(payload, &s); err != nil {
		return fmt.Errorf("failed to unmarshal pipeline sample: %w", err)
	}
	return c.submit(topic, models.IngestMessage{Type: models.IngestPipeline, Pipeline: &s})
}

func (c *MQTTConsumer) handleAccuracy(topic string, payload []byte) error {
	var b models.AccuracyBatch
	if err := json.Unmarshal(payload, &b); err != nil {
		return fmt.Errorf("failed to unmarshal accuracy batch: %w", err)
	}
	return c.submit(topic, models.IngestMessage{Type: models.IngestAccuracy, Accuracy: &b})
}

func (c *MQTTConsumer) submit(topic string, msg models.IngestMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if err := c.ingestor.Submit(ctx, msg); err != nil {
		return fmt.Errorf("failed to submit %s message: %w", msg.Type, err)
	}
	c.logger.Debug("Submitted MQTT message",
		zap.String("topic", topic),
		zap.String("type", msg.Type),
	)
	return nil
}
