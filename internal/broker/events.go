package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"installment-service/internal/models"
	"installment-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher publishes engine events to the events topic, keyed by
// agreement so each agreement's events stay ordered.
type KafkaPublisher struct {
	producer *Producer
}

// NewKafkaPublisher creates a new event publisher
func NewKafkaPublisher(producer *Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

// Publish publishes one event
func (p *KafkaPublisher) Publish(ctx context.Context, event models.Event) error {
	return p.producer.PublishEvent(ctx, event.Key(), event)
}

// LogPublisher writes events to the log instead of a broker. Used when no
// Kafka brokers are configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a log-only publisher
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: util.GetLogger()}
}

// Publish logs one event
func (p *LogPublisher) Publish(ctx context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	p.logger.Info("Event",
		zap.String("event_type", event.Type()),
		zap.String("key", event.Key()),
		zap.ByteString("payload", payload))
	return nil
}

// envelope carries the discriminators of events and commands.
type envelope struct {
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	CommandID   string `json:"command_id"`
	CommandType string `json:"command_type"`
}

// EventHandler routes incoming messages to registered handlers
type EventHandler struct {
	onAgreementCompleted func(context.Context, *models.AgreementCompletedEvent) error
	onProcessPayment     func(context.Context, *models.PaymentCommand) error
	onRetryPayment       func(context.Context, *models.PaymentCommand) error
	logger               *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnAgreementCompleted registers a handler for AGREEMENT_COMPLETED events
func (eh *EventHandler) OnAgreementCompleted(handler func(context.Context, *models.AgreementCompletedEvent) error) {
	eh.onAgreementCompleted = handler
}

// OnProcessPayment registers a handler for PROCESS_PAYMENT commands
func (eh *EventHandler) OnProcessPayment(handler func(context.Context, *models.PaymentCommand) error) {
	eh.onProcessPayment = handler
}

// OnRetryPayment registers a handler for RETRY_PAYMENT commands
func (eh *EventHandler) OnRetryPayment(handler func(context.Context, *models.PaymentCommand) error) {
	eh.onRetryPayment = handler
}

// HandleMessage routes messages to appropriate handlers. Types without a
// registered handler are skipped; undecodable messages fail permanently.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to unmarshal message envelope: %w", err))
	}

	switch {
	case env.EventType == models.EventTypeAgreementCompleted && eh.onAgreementCompleted != nil:
		var event models.AgreementCompletedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to unmarshal AgreementCompleted event: %w", err))
		}
		eh.logger.Debug("Handling event", zap.String("type", env.EventType), zap.String("id", env.EventID))
		return eh.onAgreementCompleted(ctx, &event)

	case env.CommandType == models.CommandTypeProcessPayment && eh.onProcessPayment != nil:
		cmd, err := decodeCommand(msg.Value)
		if err != nil {
			return backoff.Permanent(err)
		}
		return eh.onProcessPayment(ctx, cmd)

	case env.CommandType == models.CommandTypeRetryPayment && eh.onRetryPayment != nil:
		cmd, err := decodeCommand(msg.Value)
		if err != nil {
			return backoff.Permanent(err)
		}
		return eh.onRetryPayment(ctx, cmd)
	}

	eh.logger.Debug("Unhandled message",
		zap.String("event_type", env.EventType),
		zap.String("command_type", env.CommandType))
	return nil
}

func decodeCommand(raw []byte) (*models.PaymentCommand, error) {
	var cmd models.PaymentCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment command: %w", err)
	}
	if cmd.PaymentID <= 0 {
		return nil, fmt.Errorf("payment command %s has no payment id", cmd.CommandID)
	}
	return &cmd, nil
}
