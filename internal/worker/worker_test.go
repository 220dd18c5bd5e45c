package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"installment-service/internal/models"
	"installment-service/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	processed []int64
	retried   []int64
	err       error
}

func (e *stubEngine) HandleAgreementCompleted(ctx context.Context, event *models.AgreementCompletedEvent) error {
	return nil
}

func (e *stubEngine) ProcessPayment(ctx context.Context, paymentID int64) (*service.PaymentResult, error) {
	e.processed = append(e.processed, paymentID)
	if e.err != nil {
		return nil, e.err
	}
	return &service.PaymentResult{TransactionID: "tx"}, nil
}

func (e *stubEngine) RetryPayment(ctx context.Context, paymentID int64) (*service.PaymentResult, error) {
	e.retried = append(e.retried, paymentID)
	if e.err != nil {
		return nil, e.err
	}
	return &service.PaymentResult{TransactionID: "tx"}, nil
}

type memLocker struct {
	held     map[string]string
	released []string
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]string{}}
}

func (l *memLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, ok := l.held[key]; ok {
		return "", nil
	}
	l.held[key] = "token-" + key
	return l.held[key], nil
}

func (l *memLocker) ReleaseLock(ctx context.Context, key, token string) error {
	if l.held[key] == token {
		delete(l.held, key)
		l.released = append(l.released, key)
	}
	return nil
}

func TestCommandRunnerProcessAndRetry(t *testing.T) {
	engine := &stubEngine{}
	locker := newMemLocker()
	r := NewCommandRunner(engine, locker)

	ctx := context.Background()
	require.NoError(t, r.Process(ctx, &models.PaymentCommand{CommandID: "a", PaymentID: 1}))
	require.NoError(t, r.Retry(ctx, &models.PaymentCommand{CommandID: "b", PaymentID: 2}))

	assert.Equal(t, []int64{1}, engine.processed)
	assert.Equal(t, []int64{2}, engine.retried)
	assert.Equal(t, []string{"payment:1", "payment:2"}, locker.released)
	assert.Empty(t, locker.held)
}

func TestCommandRunnerDropsDuplicateDelivery(t *testing.T) {
	engine := &stubEngine{}
	locker := newMemLocker()
	locker.held["payment:9"] = "someone-else"
	r := NewCommandRunner(engine, locker)

	require.NoError(t, r.Process(context.Background(), &models.PaymentCommand{CommandID: "dup", PaymentID: 9}))
	assert.Empty(t, engine.processed)
	assert.Equal(t, "someone-else", locker.held["payment:9"])
}

func TestCommandRunnerErrorHandling(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "insufficient funds is acknowledged", err: &service.InsufficientFundsError{CustomerID: 1}},
		{name: "inactive wallet is acknowledged", err: &service.AccountInactiveError{CustomerID: 1}},
		{name: "already paid is acknowledged", err: &service.InvalidStateError{Entity: "payment", ID: 3, Status: "COMPLETED", Op: "process"}},
		{name: "missing payment is acknowledged", err: &service.NotFoundError{Entity: "payment", ID: 3}},
		{name: "infrastructure error is redelivered", err: errors.New("connection reset"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locker := newMemLocker()
			r := NewCommandRunner(&stubEngine{err: tt.err}, locker)

			err := r.Process(context.Background(), &models.PaymentCommand{CommandID: "x", PaymentID: 3})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Empty(t, locker.held, "lock must be released")
		})
	}
}
