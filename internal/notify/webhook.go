package notify

import (
	"context"
	"fmt"
	"time"

	"wisefido-rtls/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// 通知事件
const (
	EventOpened    = "alert.opened"
	EventEscalated = "alert.escalated"
	EventRecurred  = "alert.recurred" // 已确认的报警再次触发
)

// AlertNotification Webhook 请求体
type AlertNotification struct {
	Event  string       `json:"event"`
	SentAt time.Time    `json:"sent_at"`
	Alert  models.Alert `json:"alert"`
}

// WebhookNotifier 将新建 / 升级 / 确认后再次触发的报警推送到外部 Webhook
type WebhookNotifier struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

// NewWebhookNotifier 创建 Webhook 通知器
func NewWebhookNotifier(url string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookNotifier{
		httpClient: client,
		url:        url,
		logger:     logger,
	}
}

// Notify 发送一条报警通知；非 2xx 视为失败
func (n *WebhookNotifier) Notify(ctx context.Context, event string, alert models.Alert) error {
	body := AlertNotification{
		Event:  event,
		SentAt: time.Now().UTC(),
		Alert:  alert,
	}

	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("failed to call webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	n.logger.Debug("Alert notification sent",
		zap.String("event", event),
		zap.String("alert_id", alert.ID),
		zap.Int("status_code", resp.StatusCode()),
	)
	return nil
}
