// Package feed holds the change-feed transports the realtime manager opens
// channels on.
package feed

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"frameworks/api_dashboard/internal/realtime"
	"frameworks/pkg/logging"
	pkgredis "frameworks/pkg/redis"
)

const DefaultChannelPrefix = "changes"

// ChannelName is the redis channel carrying changes for one table
func ChannelName(prefix, schema, table string) string {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return fmt.Sprintf("%s:%s:%s", prefix, schema, table)
}

// RedisTransport reads changes published per table on redis pub/sub. Row
// filters are applied on receipt since redis has no server-side filtering.
type RedisTransport struct {
	pubsub *pkgredis.TypedPubSub[realtime.Notification]
	prefix string
	logger logging.Logger
}

func NewRedisTransport(client goredis.UniversalClient, prefix string, logger logging.Logger) *RedisTransport {
	logger = logging.OrDiscard(logger)
	return &RedisTransport{
		pubsub: pkgredis.NewTypedPubSub[realtime.Notification](client, logger),
		prefix: prefix,
		logger: logger,
	}
}

func (t *RedisTransport) Open(ctx context.Context, key realtime.ChannelKey, sink realtime.Sink) (realtime.Channel, error) {
	filter, err := realtime.ParseFilter(key.Filter)
	if err != nil {
		return nil, err
	}

	name := ChannelName(t.prefix, key.Schema, key.Table)
	sink.SetState(realtime.TransportConnecting, nil)

	sub, err := t.pubsub.Listen(ctx, name, func(n realtime.Notification) {
		rec := n.New
		if len(rec) == 0 {
			rec = n.Old
		}
		if !filter.Matches(rec) {
			return
		}
		sink.Deliver(n)
	}, func(err error) {
		if err != nil {
			sink.SetState(realtime.TransportFailed, err)
		}
	})
	if err != nil {
		return nil, err
	}

	t.logger.WithFields(logging.Fields{
		"channel": name,
		"filter":  key.Filter,
	}).Debug("Subscribed to redis change channel")
	sink.SetState(realtime.TransportOpen, nil)
	return sub, nil
}

// Publisher emits notifications onto the channels RedisTransport reads
type Publisher struct {
	pubsub *pkgredis.TypedPubSub[realtime.Notification]
	prefix string
}

func NewPublisher(client goredis.UniversalClient, prefix string, logger logging.Logger) *Publisher {
	return &Publisher{
		pubsub: pkgredis.NewTypedPubSub[realtime.Notification](client, logger),
		prefix: prefix,
	}
}

func (p *Publisher) Publish(ctx context.Context, n realtime.Notification) error {
	if n.Table == "" {
		return fmt.Errorf("publish change: table is required")
	}
	if _, err := realtime.ParseKind(n.Type); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return p.pubsub.Publish(ctx, ChannelName(p.prefix, n.Schema, n.Table), n)
}
