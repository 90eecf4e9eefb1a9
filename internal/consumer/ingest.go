package consumer

import (
	"context"

	"wisefido-rtls/internal/models"
)

// Ingestor 接入目标（service.Engine 实现）
type Ingestor interface {
	Submit(ctx context.Context, msg models.IngestMessage) error
}
