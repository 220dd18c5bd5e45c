package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"installment-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const typeHeader = "type"

// Producer writes JSON messages to one topic
type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewProducer creates a producer for topic. Writes wait for all in-sync
// replicas.
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	return &Producer{writer: writer, logger: util.GetLogger()}
}

// typed is implemented by events and commands that name their own type.
type typed interface {
	Type() string
}

// headerCarrier exposes kafka headers to the otel propagator.
type headerCarrier struct {
	headers *[]kafka.Header
}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func propagator() propagation.TextMapPropagator {
	return otel.GetTextMapPropagator()
}

// PublishEvent publishes a JSON message. Messages with the same key land on
// the same partition, and the trace of ctx travels in the headers.
func (p *Producer) PublishEvent(ctx context.Context, key string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now(),
	}
	if t, ok := event.(typed); ok {
		msg.Headers = append(msg.Headers, kafka.Header{Key: typeHeader, Value: []byte(t.Type())})
	}
	propagator().Inject(ctx, headerCarrier{&msg.Headers})

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	p.logger.Debug("Published message",
		zap.String("topic", p.writer.Topic),
		zap.String("key", key),
		zap.String("type", headerCarrier{&msg.Headers}.Get(typeHeader)))
	return nil
}

// Close flushes pending writes and closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer reads one topic as part of a consumer group
type Consumer struct {
	reader  *kafka.Reader
	logger  *zap.Logger
	backoff func() backoff.BackOff
}

// NewConsumer creates a consumer. A failing handler is retried with
// exponential backoff before the message is given up on.
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})

	return &Consumer{
		reader:  reader,
		logger:  util.GetLogger(),
		backoff: defaultHandlerBackoff,
	}
}

func defaultHandlerBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithMaxRetries(b, 4)
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// MessageHandler handles one message
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// StartConsuming feeds messages to handler until ctx is cancelled. A message
// is committed once its handler succeeds or its retries run out; the latter
// is logged for the reconciliation sweep.
func (c *Consumer) StartConsuming(ctx context.Context, handler MessageHandler) error {
	topic := c.reader.Config().Topic
	c.logger.Info("Starting Kafka consumer", zap.String("topic", topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("Consumer context cancelled, stopping", zap.String("topic", topic))
				return ctx.Err()
			}
			c.logger.Error("Error fetching message", zap.String("topic", topic), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		if err := handleWithRetry(ctx, handler, msg, c.backoff()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("Giving up on message",
				zap.String("topic", topic),
				zap.Int64("offset", msg.Offset),
				zap.ByteString("key", msg.Key),
				zap.Error(err))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("Error committing message", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// handleWithRetry runs handler inside the trace carried by msg. Errors marked
// with backoff.Permanent are not retried.
func handleWithRetry(ctx context.Context, handler MessageHandler, msg kafka.Message, policy backoff.BackOff) error {
	headers := msg.Headers
	ctx = propagator().Extract(ctx, headerCarrier{&headers})
	ctx, span := util.StartSpan(ctx, "kafka.consume "+msg.Topic,
		attribute.String("messaging.kafka.message_key", string(msg.Key)),
		attribute.Int64("messaging.kafka.offset", msg.Offset))

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return handler(ctx, msg)
	}, backoff.WithContext(policy, ctx))

	span.SetAttributes(attribute.Int("messaging.attempts", attempts))
	util.EndSpan(span, err)
	return err
}
