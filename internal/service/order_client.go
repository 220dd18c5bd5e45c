package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"installment-service/internal/models"
	"installment-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const installmentPaymentMethod = "INSTALLMENT"

// HTTPOrderClient creates fulfillment orders through the order service API.
// The agreement number is the idempotency key, so retries never create a
// second order.
type HTTPOrderClient struct {
	baseURL    string
	httpClient *http.Client
	backoff    func() backoff.BackOff
	logger     *zap.Logger
}

// NewHTTPOrderClient creates a new order service client. Failed calls are
// retried for up to three timeouts.
func NewHTTPOrderClient(baseURL string, timeout time.Duration) *HTTPOrderClient {
	return &HTTPOrderClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 3 * timeout
			return b
		},
		logger: util.GetLogger(),
	}
}

type orderItemRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type createOrderRequest struct {
	UserID         int64              `json:"user_id"`
	Items          []orderItemRequest `json:"items"`
	PaymentMethod  string             `json:"payment_method"`
	IdempotencyKey string             `json:"idempotency_key"`
}

type createOrderResponse struct {
	OrderID int64  `json:"order_id"`
	Status  string `json:"status"`
}

// CreateOrderForAgreement asks the order service to ship the agreement's goods
func (c *HTTPOrderClient) CreateOrderForAgreement(ctx context.Context, agreement *models.Agreement) (int64, error) {
	ctx, span := util.StartSpan(ctx, "HTTPOrderClient.CreateOrderForAgreement")
	defer span.End()

	body, err := json.Marshal(createOrderRequest{
		UserID:         agreement.CustomerID,
		Items:          []orderItemRequest{{ProductID: agreement.ProductID, Quantity: agreement.Quantity}},
		PaymentMethod:  installmentPaymentMethod,
		IdempotencyKey: agreement.AgreementNumber,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal order request: %w", err)
	}

	var orderID int64
	operation := func() error {
		id, err := c.post(ctx, agreement.AgreementNumber, body)
		if err != nil {
			return err
		}
		orderID = id
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Order service call failed, retrying",
			zap.String("agreement_number", agreement.AgreementNumber),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(c.backoff(), ctx), notify); err != nil {
		return 0, err
	}
	return orderID, nil
}

func (c *HTTPOrderClient) post(ctx context.Context, idempotencyKey string, body []byte) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/orders", bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("failed to build order request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("order service unreachable: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("failed to read order response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("order service returned %d: %s", resp.StatusCode, payload)
	case resp.StatusCode >= 400:
		return 0, backoff.Permanent(fmt.Errorf("order service rejected order with %d: %s", resp.StatusCode, payload))
	}

	var out createOrderResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return 0, backoff.Permanent(fmt.Errorf("failed to decode order response: %w", err))
	}
	if out.OrderID == 0 {
		return 0, backoff.Permanent(errors.New("order service returned no order id"))
	}
	return out.OrderID, nil
}
