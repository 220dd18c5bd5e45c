package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaderCarrier(t *testing.T) {
	headers := []kafka.Header{{Key: typeHeader, Value: []byte("AGREEMENT_COMPLETED")}}
	c := headerCarrier{&headers}

	c.Set("traceparent", "00-a")
	c.Set("traceparent", "00-b")

	assert.Equal(t, "AGREEMENT_COMPLETED", c.Get(typeHeader))
	assert.Equal(t, "00-b", c.Get("traceparent"))
	assert.Empty(t, c.Get("missing"))
	assert.ElementsMatch(t, []string{typeHeader, "traceparent"}, c.Keys())
	assert.Len(t, headers, 2)
}

func TestTraceContextRoundTrip(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	var headers []kafka.Header
	tc := propagation.TraceContext{}
	tc.Inject(ctx, headerCarrier{&headers})
	require.NotEmpty(t, headers)

	got := trace.SpanContextFromContext(tc.Extract(context.Background(), headerCarrier{&headers}))
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
}

func TestHandleWithRetry(t *testing.T) {
	msg := kafka.Message{Topic: "installment-events", Key: []byte("agreement-1")}

	t.Run("recovers from transient failures", func(t *testing.T) {
		calls := 0
		err := handleWithRetry(context.Background(), func(ctx context.Context, m kafka.Message) error {
			calls++
			if calls < 3 {
				return errors.New("order service unavailable")
			}
			return nil
		}, msg, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5))

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		calls := 0
		err := handleWithRetry(context.Background(), func(ctx context.Context, m kafka.Message) error {
			calls++
			return errors.New("still down")
		}, msg, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2))

		assert.EqualError(t, err, "still down")
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry permanent failures", func(t *testing.T) {
		calls := 0
		err := handleWithRetry(context.Background(), func(ctx context.Context, m kafka.Message) error {
			calls++
			return backoff.Permanent(errors.New("bad payload"))
		}, msg, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5))

		assert.EqualError(t, err, "bad payload")
		assert.Equal(t, 1, calls)
	})
}
