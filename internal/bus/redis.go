package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/showrunnerhq/backlot/internal/queue/streams"
)

// Redis carries completion events over Redis Streams so the orchestrator can
// run in a different process than the workers. Each subscriber consumes the
// topic stream through its own consumer group.
type Redis struct {
	client *redis.Client
	pub    *streams.Publisher
	group  string
	name   string
	logger *log.Logger
}

// NewRedis builds a Redis-backed completion bus. group/name identify this
// process's consumer within the topic streams.
func NewRedis(client *redis.Client, group, name string, logger *log.Logger) *Redis {
	if logger == nil {
		logger = log.Default()
	}
	return &Redis{
		client: client,
		pub:    streams.NewPublisher(client),
		group:  group,
		name:   name,
		logger: logger,
	}
}

// Publish appends the event to the topic stream.
func (b *Redis) Publish(ctx context.Context, topic string, ev CompletionEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if _, err := b.pub.PublishRaw(ctx, topic, topic, ev); err != nil {
		return fmt.Errorf("publish completion event: %w", err)
	}
	return nil
}

// Subscribe consumes the topic stream in a background goroutine until the
// returned cancel function is called or the context ends.
func (b *Redis) Subscribe(ctx context.Context, topic string, h Handler) (func(), error) {
	if err := streams.EnsureGroup(ctx, b.client, topic, b.group); err != nil {
		return nil, err
	}
	consumer := streams.NewConsumer(b.client, b.group, b.name)

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}

			msgs, err := consumer.Read(subCtx, topic, streams.WithBlock(5*time.Second), streams.WithCount(16))
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				b.logger.Printf("bus read %s: %v", topic, err)
				time.Sleep(time.Second)
				continue
			}
			for _, msg := range msgs {
				var ev CompletionEvent
				if err := json.Unmarshal(msg.Envelope.Data, &ev); err != nil {
					b.logger.Printf("bus decode %s %s: %v", topic, msg.ID, err)
				} else {
					h(subCtx, ev)
				}
				if err := consumer.Ack(subCtx, topic, msg.ID); err != nil {
					b.logger.Printf("bus ack %s %s: %v", topic, msg.ID, err)
				}
			}
		}
	}()
	return cancel, nil
}
