package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"frameworks/api_dashboard/internal/realtime"
	"frameworks/pkg/kafka"
	"frameworks/pkg/logging"
)

const DefaultTopicPrefix = "cdc"

// TopicName is the CDC topic carrying changes for one table, in the
// <prefix>.<schema>.<table> layout Debezium uses.
func TopicName(prefix, schema, table string) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return fmt.Sprintf("%s.%s.%s", prefix, schema, table)
}

// KafkaTransport reads changes from one CDC topic per table. Every channel
// joins its own consumer group so each subscriber sees the whole topic,
// starting at the moment the channel was opened. Row filters are applied on
// receipt.
type KafkaTransport struct {
	cfg         kafka.Config
	topicPrefix string
	logger      logging.Logger
}

func NewKafkaTransport(cfg kafka.Config, topicPrefix string, logger logging.Logger) *KafkaTransport {
	return &KafkaTransport{cfg: cfg, topicPrefix: topicPrefix, logger: logging.OrDiscard(logger)}
}

func (t *KafkaTransport) Open(ctx context.Context, key realtime.ChannelKey, sink realtime.Sink) (realtime.Channel, error) {
	filter, err := realtime.ParseFilter(key.Filter)
	if err != nil {
		return nil, err
	}

	topic := TopicName(t.topicPrefix, key.Schema, key.Table)
	log := t.logger.WithFields(logging.Fields{"topic": topic, "filter": key.Filter})
	sink.SetState(realtime.TransportConnecting, nil)

	var assigned sync.Once
	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:    t.cfg.Brokers,
		ClientID:   t.cfg.ClientID,
		GroupID:    fmt.Sprintf("%s-%s", t.cfg.ClientID, uuid.NewString()),
		Topics:     []string{topic},
		StartAfter: time.Now(),
		Logger:     t.logger,
		OnAssigned: func(map[string][]int32) {
			assigned.Do(func() {
				log.Debug("Kafka change topic assigned")
				sink.SetState(realtime.TransportOpen, nil)
			})
		},
	})
	if err != nil {
		return nil, err
	}

	consumer.AddHandler(topic, func(_ context.Context, msg kafka.Message) error {
		var n realtime.Notification
		if err := json.Unmarshal(msg.Value, &n); err != nil {
			log.WithError(err).WithField("offset", msg.Offset).Warn("Skipping undecodable change record")
			return nil
		}
		rec := n.New
		if len(rec) == 0 {
			rec = n.Old
		}
		if filter.Matches(rec) {
			sink.Deliver(n)
		}
		return nil
	})

	if err := consumer.Ping(ctx); err != nil {
		_ = consumer.Close()
		return nil, fmt.Errorf("connect change feed kafka: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ch := &kafkaChannel{consumer: consumer, cancel: cancel}
	go func() {
		err := consumer.Start(runCtx)
		if ch.closing.Load() || errors.Is(err, context.Canceled) {
			return
		}
		sink.SetState(realtime.TransportFailed, err)
	}()
	return ch, nil
}

type kafkaChannel struct {
	consumer *kafka.Consumer
	cancel   context.CancelFunc
	closing  atomic.Bool
	once     sync.Once
}

func (c *kafkaChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.closing.Store(true)
		c.cancel()
		err = c.consumer.Close()
	})
	return err
}

// KafkaPublisher emits notifications onto the topics KafkaTransport reads
type KafkaPublisher struct {
	producer    *kafka.Producer
	topicPrefix string
}

func NewKafkaPublisher(producer *kafka.Producer, topicPrefix string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topicPrefix: topicPrefix}
}

func (p *KafkaPublisher) Publish(ctx context.Context, n realtime.Notification) error {
	if n.Table == "" {
		return fmt.Errorf("publish change: table is required")
	}
	if _, err := realtime.ParseKind(n.Type); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return p.producer.ProduceJSON(ctx, TopicName(p.topicPrefix, n.Schema, n.Table), nil, n)
}
