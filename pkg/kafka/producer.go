package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"frameworks/pkg/config"
	"frameworks/pkg/logging"
)

// Config is the broker connection shared by producers and consumers
type Config struct {
	Brokers  []string
	ClientID string
}

// ConfigFromEnv reads KAFKA_BROKERS and KAFKA_CLIENT_ID
func ConfigFromEnv() Config {
	return Config{
		Brokers:  config.GetEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
		ClientID: config.GetEnv("KAFKA_CLIENT_ID", "bosun"),
	}
}

// Producer writes records synchronously
type Producer struct {
	client *kgo.Client
	logger logging.Logger
}

func NewProducer(cfg Config, logger logging.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.AllowAutoTopicCreation(),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Producer{client: client, logger: logging.OrDiscard(logger)}, nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// Produce writes one record and waits for the broker ack
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	record := &kgo.Record{Topic: topic, Key: key, Value: value}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.logger.WithError(err).WithField("topic", topic).Warn("Kafka produce failed")
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// ProduceJSON marshals v as the record value
func (p *Producer) ProduceJSON(ctx context.Context, topic string, key []byte, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.Produce(ctx, topic, key, value, nil)
}

// Ping checks a broker is reachable
func (p *Producer) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping failed: %w", err)
	}
	return nil
}
