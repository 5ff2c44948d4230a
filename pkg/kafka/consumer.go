package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"frameworks/pkg/logging"
)

// Message is one consumed record
type Message struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Handler processes one message. An error blocks the rest of that
// partition's batch from being committed.
type Handler func(ctx context.Context, msg Message) error

// ErrClosed is returned by Start once the consumer has been closed
var ErrClosed = errors.New("kafka consumer closed")

type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
	// Topics are consumed from the start; AddHandler may add more
	Topics []string

	// StartAfter positions partitions without a committed offset at the
	// first record stamped at or after it. Zero starts at the beginning.
	StartAfter time.Time

	// OnAssigned is told about every partition assignment of the group
	OnAssigned func(assigned map[string][]int32)

	Logger logging.Logger
}

// Consumer is a group consumer that routes records to per-topic handlers
// and commits what they accepted.
type Consumer struct {
	client   *kgo.Client
	logger   logging.Logger
	groupID  string
	handlers map[string]Handler
	mu       sync.RWMutex
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer group is required")
	}

	offset := kgo.NewOffset().AtStart()
	if !cfg.StartAfter.IsZero() {
		offset = kgo.NewOffset().AfterMilli(cfg.StartAfter.UnixMilli())
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
	}
	if len(cfg.Topics) > 0 {
		opts = append(opts, kgo.ConsumeTopics(cfg.Topics...))
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.OnAssigned != nil {
		opts = append(opts, kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			cfg.OnAssigned(assigned)
		}))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Consumer{
		client:   client,
		logger:   logging.OrDiscard(cfg.Logger),
		groupID:  cfg.GroupID,
		handlers: make(map[string]Handler),
	}, nil
}

// AddHandler registers a handler for topic and subscribes to it
func (c *Consumer) AddHandler(topic string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[topic] = handler
	c.client.AddConsumeTopics(topic)
}

// Close leaves the group and closes the client. It does not wait for an
// in-flight handler, so a handler may call it.
func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}

// Ping checks a broker is reachable
func (c *Consumer) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping failed: %w", err)
	}
	return nil
}

// Start polls until ctx ends (returning ctx.Err()) or the consumer is
// closed (returning ErrClosed).
func (c *Consumer) Start(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return ErrClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.WithError(err).WithFields(logging.Fields{
				"topic":     topic,
				"partition": partition,
			}).Warn("Kafka fetch error")
		})

		commitRecords := c.processRecords(ctx, fetches.Records())
		if len(commitRecords) > 0 {
			if err := c.client.CommitRecords(ctx, commitRecords...); err != nil && ctx.Err() == nil {
				c.logger.WithError(err).Error("Failed to commit records")
			}
		}
	}
}

func (c *Consumer) processRecords(ctx context.Context, records []*kgo.Record) []*kgo.Record {
	type topicPartition struct {
		topic     string
		partition int32
	}
	blocked := make(map[topicPartition]bool)
	lastSuccess := make(map[topicPartition]*kgo.Record)

	for _, record := range records {
		tp := topicPartition{topic: record.Topic, partition: record.Partition}
		if blocked[tp] {
			continue
		}

		c.mu.RLock()
		handler, exists := c.handlers[record.Topic]
		c.mu.RUnlock()

		if !exists {
			c.logger.WithField("topic", record.Topic).Warn("No handler registered for topic")
			lastSuccess[tp] = record
			continue
		}

		hdrs := make(map[string]string, len(record.Headers))
		for _, h := range record.Headers {
			hdrs[h.Key] = string(h.Value)
		}

		msg := Message{
			Key:       record.Key,
			Value:     record.Value,
			Headers:   hdrs,
			Topic:     record.Topic,
			Partition: record.Partition,
			Offset:    record.Offset,
			Timestamp: record.Timestamp,
		}

		if err := handler(ctx, msg); err != nil {
			c.logger.WithError(err).WithFields(logging.Fields{
				"topic":     record.Topic,
				"partition": record.Partition,
				"offset":    record.Offset,
			}).Error("Failed to handle message, partition held back")
			blocked[tp] = true
			continue
		}

		lastSuccess[tp] = record
	}

	if len(lastSuccess) == 0 {
		return nil
	}

	commitRecords := make([]*kgo.Record, 0, len(lastSuccess))
	for _, record := range lastSuccess {
		commitRecords = append(commitRecords, record)
	}
	return commitRecords
}
