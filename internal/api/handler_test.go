package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"installment-service/internal/models"
	"installment-service/internal/redisclient"
	"installment-service/internal/service"
	"installment-service/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine overrides the engine calls a test needs. Any other call panics
// on the nil embedded interface.
type fakeEngine struct {
	Engine

	createReq    *service.CreateAgreementRequest
	getErr       error
	payoffCalls  int
	payoffErrs   []error
	flexAmount   decimal.Decimal
	failedReason string
}

func (f *fakeEngine) CreateAgreement(ctx context.Context, req *service.CreateAgreementRequest) (*service.AgreementDetails, error) {
	f.createReq = req
	return &service.AgreementDetails{
		Agreement: &models.Agreement{ID: 1, CustomerID: req.CustomerID, Status: models.AgreementStatusActive},
	}, nil
}

func (f *fakeEngine) GetAgreement(ctx context.Context, customerID, agreementID int64) (*service.AgreementDetails, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &service.AgreementDetails{Agreement: &models.Agreement{ID: agreementID, CustomerID: customerID}}, nil
}

func (f *fakeEngine) SettleEarlyPayoff(ctx context.Context, customerID, agreementID int64) (*service.PaymentResult, error) {
	f.payoffCalls++
	if len(f.payoffErrs) > 0 {
		err := f.payoffErrs[0]
		f.payoffErrs = f.payoffErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &service.PaymentResult{
		Agreement:     &models.Agreement{ID: agreementID, Status: models.AgreementStatusCompleted},
		Amount:        decimal.RequireFromString("70000"),
		TransactionID: "tx-1",
		Completed:     true,
	}, nil
}

func (f *fakeEngine) PreviewFlexiblePayment(ctx context.Context, customerID, agreementID int64, amount decimal.Decimal) (*service.FlexiblePaymentPreview, error) {
	f.flexAmount = amount
	return &service.FlexiblePaymentPreview{Valid: true, Amount: amount}, nil
}

func (f *fakeEngine) RecordPaymentFailure(ctx context.Context, paymentID int64, reason string) (*models.Payment, error) {
	f.failedReason = reason
	return &models.Payment{ID: paymentID, Status: models.PaymentStatusFailed}, nil
}

type memIdempotency struct {
	mu       sync.Mutex
	values   map[string][]byte
	storeErr error
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{values: map[string][]byte{}}
}

func (m *memIdempotency) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		m.values[key] = []byte("pending")
		return true, nil, nil
	}
	if string(v) == "pending" {
		return false, nil, redisclient.ErrRequestInProgress
	}
	return false, v, nil
}

func (m *memIdempotency) StoreIdempotentResponse(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storeErr != nil {
		return m.storeErr
	}
	m.values[key] = response
	return nil
}

func (m *memIdempotency) ForgetIdempotencyKey(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func setupRouter(engine Engine, idem IdempotencyStore, checks map[string]ReadinessCheck) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(engine, idem, time.Hour, checks).SetupRoutes(router)
	return router
}

func doRequest(router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	router := setupRouter(&fakeEngine{}, nil, nil)

	w := doRequest(router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "healthy", response["status"])
}

func TestReadinessCheckReportsFailedDependency(t *testing.T) {
	router := setupRouter(&fakeEngine{}, nil, map[string]ReadinessCheck{
		"database": func(ctx context.Context) error { return nil },
		"redis":    func(ctx context.Context) error { return errors.New("connection refused") },
	})

	w := doRequest(router, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestAgreementRoutesRequireCustomer(t *testing.T) {
	router := setupRouter(&fakeEngine{}, nil, nil)

	for _, id := range []string{"", "abc", "0", "-4"} {
		headers := map[string]string{}
		if id != "" {
			headers[customerHeader] = id
		}
		w := doRequest(router, http.MethodGet, "/api/v1/agreements/1", nil, headers)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "customer header %q", id)
	}
}

func TestCreateAgreementUsesHeaderCustomer(t *testing.T) {
	engine := &fakeEngine{}
	router := setupRouter(engine, nil, nil)

	body := map[string]interface{}{
		"customer_id":          999,
		"product_id":           3,
		"plan_id":              4,
		"quantity":             2,
		"down_payment_percent": "20",
	}
	w := doRequest(router, http.MethodPost, "/api/v1/agreements", body, map[string]string{customerHeader: "7"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	require.NotNil(t, engine.createReq)
	assert.Equal(t, int64(7), engine.createReq.CustomerID)
	assert.Equal(t, int64(3), engine.createReq.ProductID)
	assert.Equal(t, 2, engine.createReq.Quantity)
	assert.True(t, engine.createReq.DownPaymentPercent.Equal(decimal.NewFromInt(20)))
}

func TestCreateAgreementRejectsInvalidBody(t *testing.T) {
	router := setupRouter(&fakeEngine{}, nil, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/agreements", map[string]interface{}{"plan_id": 4}, map[string]string{customerHeader: "7"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvalidPathID(t *testing.T) {
	router := setupRouter(&fakeEngine{}, nil, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/agreements/abc", nil, map[string]string{customerHeader: "7"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", &service.NotFoundError{Entity: "agreement", ID: 1}, http.StatusNotFound},
		{"validation", &service.ValidationError{Field: "amount", Reason: "too small"}, http.StatusUnprocessableEntity},
		{"invalid state", &service.InvalidStateError{Entity: "agreement", ID: 1, Status: "COMPLETED", Op: "cancel"}, http.StatusConflict},
		{"not eligible", &service.NotEligibleError{AgreementID: 1, Reason: "nothing to pay"}, http.StatusConflict},
		{"insufficient funds", &service.InsufficientFundsError{CustomerID: 7}, http.StatusPaymentRequired},
		{"inactive account", &service.AccountInactiveError{CustomerID: 7}, http.StatusPaymentRequired},
		{"concurrent update", store.ErrConcurrentUpdate, http.StatusConflict},
		{"wrapped not found", errors.Join(errors.New("lookup"), &service.NotFoundError{Entity: "payment", ID: 2}), http.StatusNotFound},
		{"unknown", errors.New("pq: connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupRouter(&fakeEngine{getErr: tt.err}, nil, nil)

			w := doRequest(router, http.MethodGet, "/api/v1/agreements/1", nil, map[string]string{customerHeader: "7"})
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, w.Body.String(), "pq:")
			}
		})
	}
}

func TestPayoffIsReplayedForSameIdempotencyKey(t *testing.T) {
	engine := &fakeEngine{}
	router := setupRouter(engine, newMemIdempotency(), nil)
	headers := map[string]string{customerHeader: "7", idempotencyHeader: "abc"}

	first := doRequest(router, http.MethodPost, "/api/v1/agreements/5/payoff", nil, headers)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := doRequest(router, http.MethodPost, "/api/v1/agreements/5/payoff", nil, headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, engine.payoffCalls)

	// Keys are scoped per customer.
	headers[customerHeader] = "8"
	third := doRequest(router, http.MethodPost, "/api/v1/agreements/5/payoff", nil, headers)
	require.Equal(t, http.StatusOK, third.Code)
	assert.Empty(t, third.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 2, engine.payoffCalls)
}

func TestFailedRequestFreesIdempotencyKey(t *testing.T) {
	engine := &fakeEngine{payoffErrs: []error{&service.InsufficientFundsError{CustomerID: 7}}}
	router := setupRouter(engine, newMemIdempotency(), nil)
	headers := map[string]string{customerHeader: "7", idempotencyHeader: "retry-me"}

	first := doRequest(router, http.MethodPost, "/api/v1/agreements/5/payoff", nil, headers)
	assert.Equal(t, http.StatusPaymentRequired, first.Code)

	second := doRequest(router, http.MethodPost, "/api/v1/agreements/5/payoff", nil, headers)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, 2, engine.payoffCalls)
}

func TestUnstoredResponseKeepsKeyClaimed(t *testing.T) {
	idem := newMemIdempotency()
	idem.storeErr = errors.New("redis: connection refused")
	engine := &fakeEngine{}
	router := setupRouter(engine, idem, nil)
	headers := map[string]string{customerHeader: "7", idempotencyHeader: "lost"}

	first := doRequest(router, http.MethodPost, "/api/v1/agreements/5/payoff", nil, headers)
	assert.Equal(t, http.StatusOK, first.Code, "committed work is still reported")

	second := doRequest(router, http.MethodPost, "/api/v1/agreements/5/payoff", nil, headers)
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, 1, engine.payoffCalls)
}

func TestEncodeStoredResponse(t *testing.T) {
	record, err := encodeStoredResponse(http.StatusCreated, []byte(`{"id":1}`))
	require.NoError(t, err)
	var decoded storedResponse
	require.NoError(t, json.Unmarshal(record, &decoded))
	assert.Equal(t, http.StatusCreated, decoded.Status)
	assert.JSONEq(t, `{"id":1}`, string(decoded.Body))

	_, err = encodeStoredResponse(http.StatusOK, []byte(`{"id":`))
	assert.Error(t, err)
}

func TestInProgressIdempotencyKeyConflicts(t *testing.T) {
	idem := newMemIdempotency()
	idem.values["7:/api/v1/agreements/:id/payoff:busy"] = []byte("pending")
	engine := &fakeEngine{}
	router := setupRouter(engine, idem, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/agreements/5/payoff", nil,
		map[string]string{customerHeader: "7", idempotencyHeader: "busy"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Zero(t, engine.payoffCalls)
}

func TestPreviewFlexiblePaymentParsesAmount(t *testing.T) {
	engine := &fakeEngine{}
	router := setupRouter(engine, nil, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/agreements/5/flexible-payments/preview",
		map[string]interface{}{"amount": "1250.50"}, map[string]string{customerHeader: "7"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, engine.flexAmount.Equal(decimal.RequireFromString("1250.50")))
}

func TestRecordPaymentFailureRequiresReason(t *testing.T) {
	engine := &fakeEngine{}
	router := setupRouter(engine, nil, nil)

	w := doRequest(router, http.MethodPost, "/internal/payments/3/failures", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/internal/payments/3/failures", map[string]string{"reason": "card expired"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "card expired", engine.failedReason)
}
