package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/HazardBox/internal/broker/messages"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads remote change notifications. A message is committed only
// after its handler returns nil.
type Consumer struct {
	r messageReader
}

// NewConsumer joins groupID on topic, defaulting to messages.TopicRemoteChanges.
// A fresh group starts at the newest offset: older notifications are covered
// by the periodic sync anyway.
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	if topic == "" {
		topic = messages.TopicRemoteChanges
	}
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		StartOffset:       kafka.LastOffset,
		MaxWait:           time.Second,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return newConsumerWithReader(kafka.NewReader(cfg))
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{r: r}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

// Consume blocks until ctx is done, a fetch fails or handler returns an error.
// A failed message stays uncommitted and is redelivered to the group.
func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "fetch message")
		}
		if err := handler(msg.Key, msg.Value); err != nil {
			return errors.Wrapf(err, "handle offset %d", msg.Offset)
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit message")
		}
	}
}

// ConsumeRemoteChanges decodes messages.RemoteChanged payloads for onChange.
// Malformed payloads are logged and committed so they cannot wedge the group.
func (c *Consumer) ConsumeRemoteChanges(ctx context.Context, logger *slog.Logger, onChange func(messages.RemoteChanged)) error {
	if logger == nil {
		logger = slog.Default()
	}
	return c.Consume(ctx, func(key, value []byte) error {
		var msg messages.RemoteChanged
		if err := json.Unmarshal(value, &msg); err != nil {
			logger.Warn("skip malformed remote change", "key", string(key), "error", err.Error())
			return nil
		}
		onChange(msg)
		return nil
	})
}
