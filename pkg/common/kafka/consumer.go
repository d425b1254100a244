package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/trialquality/pkg/common/config"
	"github.com/synaptica-ai/trialquality/pkg/common/logger"
	"github.com/synaptica-ai/trialquality/pkg/common/models"
)

// maxHandlerElapsed bounds how long one message is retried before it is
// committed as dropped.
const maxHandlerElapsed = 2 * time.Minute

type Consumer struct {
	reader     *kafka.Reader
	maxElapsed time.Duration
}

type EventHandler func(ctx context.Context, event models.Event) error

func NewConsumer(topic string, groupID string) *Consumer {
	cfg := config.Load()
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{reader: reader, maxElapsed: maxHandlerElapsed}
}

// Consume hands each event to handler. A failing handler is retried with
// exponential backoff; the offset only advances once the event was handled
// or given up on, so a restart replays in-flight work.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			logger.Log.WithError(err).Error("Failed to fetch message")
			continue
		}

		var event models.Event
		if err := json.Unmarshal(message.Value, &event); err != nil {
			logger.Log.WithError(err).WithField("offset", message.Offset).Error("Failed to unmarshal event")
			c.commit(ctx, message)
			continue
		}

		if err := c.handle(ctx, handler, event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Log.WithError(err).WithFields(logrus.Fields{
				"event_id":   event.ID,
				"event_type": event.Type,
				"offset":     message.Offset,
			}).Error("Dropping event after retries")
		}
		c.commit(ctx, message)
	}
}

func (c *Consumer) handle(ctx context.Context, handler EventHandler, event models.Event) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.maxElapsed

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := handler(ctx, event)
		if err != nil {
			logger.Log.WithError(err).WithFields(logrus.Fields{
				"event_id": event.ID,
				"attempt":  attempt,
			}).Warn("Event handler failed")
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

func (c *Consumer) commit(ctx context.Context, message kafka.Message) {
	if err := c.reader.CommitMessages(ctx, message); err != nil {
		logger.Log.WithError(err).Error("Failed to commit message")
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
