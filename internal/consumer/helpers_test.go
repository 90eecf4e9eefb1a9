package consumer

import (
	"context"
	"sync"
	"time"

	"wisefido-rtls/internal/config"
	"wisefido-rtls/internal/models"

	"github.com/stretchr/testify/mock"
)

// MockIngestor 模拟引擎
type MockIngestor struct {
	mock.Mock
	mu  sync.Mutex
	got []models.IngestMessage
}

func (m *MockIngestor) Submit(ctx context.Context, msg models.IngestMessage) error {
	args := m.Called(ctx, msg)
	if args.Error(0) == nil {
		m.mu.Lock()
		m.got = append(m.got, msg)
		m.mu.Unlock()
	}
	return args.Error(0)
}

func (m *MockIngestor) Messages() []models.IngestMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.IngestMessage(nil), m.got...)
}

// fakeKVStore 仅用于单元测试（内存 KV + TTL）
type fakeKVStore struct {
	mu   sync.Mutex
	data map[string]fakeKVItem
}

type fakeKVItem struct {
	value   string
	expires time.Time // zero = no ttl
}

func newFakeKVStore() *fakeKVStore {
	return &fakeKVStore{data: make(map[string]fakeKVItem)}
}

func (f *fakeKVStore) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item, ok := f.data[key]
	if !ok {
		return "", ErrCacheMiss
	}
	if !item.expires.IsZero() && time.Now().After(item.expires) {
		delete(f.data, key)
		return "", ErrCacheMiss
	}
	return item.value, nil
}

func (f *fakeKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	f.data[key] = fakeKVItem{value: value, expires: exp}
	return nil
}

func (f *fakeKVStore) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.MQTT.QoS = 1
	cfg.Ingest.TopicTelemetry = "rtls/+/telemetry"
	cfg.Ingest.TopicPosition = "rtls/+/position"
	cfg.Ingest.TopicPipeline = "rtls/pipeline/health"
	cfg.Ingest.TopicAccuracy = "rtls/accuracy"
	cfg.Ingest.Stream = "rtls:ingest:stream"
	cfg.Ingest.ConsumerGroup = "wisefido-rtls"
	cfg.Ingest.ConsumerName = "test-1"
	cfg.Ingest.BatchSize = 10
	cfg.Cache.KeyPrefix = "rtls:entity:"
	cfg.Cache.TTL = time.Minute
	return cfg
}
