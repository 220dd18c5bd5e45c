package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"installment-service/internal/broker"
	"installment-service/internal/models"
	"installment-service/internal/service"
	"installment-service/internal/util"

	"go.uber.org/zap"
)

// Engine is the part of the installment engine the workers drive.
type Engine interface {
	HandleAgreementCompleted(ctx context.Context, event *models.AgreementCompletedEvent) error
	ProcessPayment(ctx context.Context, paymentID int64) (*service.PaymentResult, error)
	RetryPayment(ctx context.Context, paymentID int64) (*service.PaymentResult, error)
}

// Locker guards a payment against duplicate command deliveries.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// AgreementWorker ships agreements whose goods wait on full payment
type AgreementWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewAgreementWorker creates a worker for the events topic
func NewAgreementWorker(consumer *broker.Consumer, engine Engine) *AgreementWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnAgreementCompleted(engine.HandleAgreementCompleted)

	return &AgreementWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *AgreementWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting agreement worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *AgreementWorker) Stop() error {
	w.logger.Info("Stopping agreement worker")
	return w.consumer.Close()
}

// PaymentWorker executes the scheduler's payment commands
type PaymentWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	commands     *CommandRunner
	logger       *zap.Logger
}

// NewPaymentWorker creates a worker for the commands topic
func NewPaymentWorker(consumer *broker.Consumer, engine Engine, locker Locker) *PaymentWorker {
	commands := NewCommandRunner(engine, locker)

	eventHandler := broker.NewEventHandler()
	eventHandler.OnProcessPayment(commands.Process)
	eventHandler.OnRetryPayment(commands.Retry)

	return &PaymentWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		commands:     commands,
		logger:       util.GetLogger(),
	}
}

// Start starts the payment worker
func (pw *PaymentWorker) Start(ctx context.Context) error {
	pw.logger.Info("Starting payment worker")
	return pw.consumer.StartConsuming(ctx, pw.eventHandler.HandleMessage)
}

// Stop stops the payment worker
func (pw *PaymentWorker) Stop() error {
	pw.logger.Info("Stopping payment worker")
	return pw.consumer.Close()
}

// paymentLockTTL bounds how long one delivery may own a payment.
const paymentLockTTL = 30 * time.Second

// CommandRunner runs one payment command under a per-payment lock. Outcomes
// the scheduler caused, such as a missing wallet balance or an already paid
// installment, are logged and acknowledged so the command is not redelivered.
type CommandRunner struct {
	engine Engine
	locker Locker
	logger *zap.Logger
}

// NewCommandRunner creates a command runner
func NewCommandRunner(engine Engine, locker Locker) *CommandRunner {
	return &CommandRunner{engine: engine, locker: locker, logger: util.GetLogger()}
}

// Process handles PROCESS_PAYMENT
func (r *CommandRunner) Process(ctx context.Context, cmd *models.PaymentCommand) error {
	return r.run(ctx, cmd, r.engine.ProcessPayment)
}

// Retry handles RETRY_PAYMENT
func (r *CommandRunner) Retry(ctx context.Context, cmd *models.PaymentCommand) error {
	return r.run(ctx, cmd, r.engine.RetryPayment)
}

func (r *CommandRunner) run(ctx context.Context, cmd *models.PaymentCommand, op func(context.Context, int64) (*service.PaymentResult, error)) error {
	key := fmt.Sprintf("payment:%d", cmd.PaymentID)
	token, err := r.locker.AcquireLock(ctx, key, paymentLockTTL)
	if err != nil {
		return err
	}
	if token == "" {
		r.logger.Info("Payment command already running, dropping duplicate",
			zap.String("command_id", cmd.CommandID),
			zap.Int64("payment_id", cmd.PaymentID))
		return nil
	}
	defer func() {
		if err := r.locker.ReleaseLock(context.Background(), key, token); err != nil {
			r.logger.Warn("Failed to release payment lock", zap.String("key", key), zap.Error(err))
		}
	}()

	result, err := op(ctx, cmd.PaymentID)
	if err == nil {
		r.logger.Info("Payment command done",
			zap.String("command_id", cmd.CommandID),
			zap.String("command_type", cmd.CommandType),
			zap.Int64("payment_id", cmd.PaymentID),
			zap.String("tx_id", result.TransactionID))
		return nil
	}

	var (
		notFound     *service.NotFoundError
		invalidState *service.InvalidStateError
		funds        *service.InsufficientFundsError
		inactive     *service.AccountInactiveError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &invalidState),
		errors.As(err, &funds), errors.As(err, &inactive):
		r.logger.Warn("Payment command rejected",
			zap.String("command_id", cmd.CommandID),
			zap.String("command_type", cmd.CommandType),
			zap.Int64("payment_id", cmd.PaymentID),
			zap.Error(err))
		return nil
	default:
		return fmt.Errorf("payment command %s failed: %w", cmd.CommandID, err)
	}
}
