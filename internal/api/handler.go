package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"installment-service/internal/models"
	"installment-service/internal/redisclient"
	"installment-service/internal/service"
	"installment-service/internal/store"
	"installment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	customerHeader    = "X-Customer-ID"
	idempotencyHeader = "Idempotency-Key"
)

// Engine is the installment engine as seen by the HTTP layer
type Engine interface {
	CreateAgreement(ctx context.Context, req *service.CreateAgreementRequest) (*service.AgreementDetails, error)
	GetAgreement(ctx context.Context, customerID, agreementID int64) (*service.AgreementDetails, error)
	ListAgreements(ctx context.Context, customerID int64) ([]models.Agreement, error)
	CancelAgreement(ctx context.Context, customerID, agreementID int64, reason string) (*models.Agreement, error)
	PreviewFlexiblePayment(ctx context.Context, customerID, agreementID int64, amount decimal.Decimal) (*service.FlexiblePaymentPreview, error)
	ApplyFlexiblePayment(ctx context.Context, customerID, agreementID int64, amount decimal.Decimal) (*service.PaymentResult, error)
	QuoteEarlyPayoff(ctx context.Context, customerID, agreementID int64) (*service.PayoffQuote, error)
	SettleEarlyPayoff(ctx context.Context, customerID, agreementID int64) (*service.PaymentResult, error)
	QuoteSchedule(ctx context.Context, planID int64, quantity int, downPaymentPercent decimal.Decimal) (*service.Quote, error)
	ListPlans(ctx context.Context, productID int64) ([]models.Plan, error)

	ProcessPayment(ctx context.Context, paymentID int64) (*service.PaymentResult, error)
	RetryPayment(ctx context.Context, paymentID int64) (*service.PaymentResult, error)
	RecordPaymentFailure(ctx context.Context, paymentID int64, reason string) (*models.Payment, error)
	CompleteAgreement(ctx context.Context, agreementID int64) (*models.Agreement, error)
	RecordShipment(ctx context.Context, agreementID int64, at time.Time) (*models.Agreement, error)
	RecordDelivery(ctx context.Context, agreementID int64, at time.Time) (*models.Agreement, error)
}

// IdempotencyStore remembers responses of money-moving requests
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, []byte, error)
	StoreIdempotentResponse(ctx context.Context, key string, response []byte, ttl time.Duration) error
	ForgetIdempotencyKey(ctx context.Context, key string) error
}

// ReadinessCheck reports whether a dependency is usable
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	engine         Engine
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	checks         map[string]ReadinessCheck
	logger         *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(engine Engine, idempotency IdempotencyStore, idempotencyTTL time.Duration, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		engine:         engine,
		idempotency:    idempotency,
		idempotencyTTL: idempotencyTTL,
		checks:         checks,
		logger:         util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(tracingMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/products/:id/plans", h.listPlans)
		v1.GET("/plans/:id/quote", h.quoteSchedule)

		customer := v1.Group("/agreements", requireCustomer())
		customer.POST("", h.createAgreement)
		customer.GET("", h.listAgreements)
		customer.GET("/:id", h.getAgreement)
		customer.POST("/:id/cancel", h.cancelAgreement)
		customer.POST("/:id/flexible-payments/preview", h.previewFlexiblePayment)
		customer.POST("/:id/flexible-payments", h.applyFlexiblePayment)
		customer.GET("/:id/payoff-quote", h.payoffQuote)
		customer.POST("/:id/payoff", h.settlePayoff)
	}

	internal := router.Group("/internal")
	{
		internal.POST("/payments/:id/process", h.processPayment)
		internal.POST("/payments/:id/retry", h.retryPayment)
		internal.POST("/payments/:id/failures", h.recordPaymentFailure)
		internal.POST("/agreements/:id/complete", h.completeAgreement)
		internal.POST("/agreements/:id/shipped", h.recordShipment)
		internal.POST("/agreements/:id/delivered", h.recordDelivery)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) listPlans(c *gin.Context) {
	productID, ok := pathID(c)
	if !ok {
		return
	}
	plans, err := h.engine.ListPlans(c.Request.Context(), productID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (h *Handler) quoteSchedule(c *gin.Context) {
	planID, ok := pathID(c)
	if !ok {
		return
	}

	quantity := 1
	if q := c.Query("quantity"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid quantity"})
			return
		}
		quantity = n
	}
	percent, err := decimal.NewFromString(c.DefaultQuery("down_payment_percent", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid down_payment_percent"})
		return
	}

	quote, err := h.engine.QuoteSchedule(c.Request.Context(), planID, quantity, percent)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// createAgreement handles checkout acceptance
func (h *Handler) createAgreement(c *gin.Context) {
	var req service.CreateAgreementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.CustomerID = customerID(c)

	h.idempotent(c, func(ctx context.Context) (int, interface{}, error) {
		details, err := h.engine.CreateAgreement(ctx, &req)
		return http.StatusCreated, details, err
	})
}

func (h *Handler) listAgreements(c *gin.Context) {
	agreements, err := h.engine.ListAgreements(c.Request.Context(), customerID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreements": agreements})
}

func (h *Handler) getAgreement(c *gin.Context) {
	agreementID, ok := pathID(c)
	if !ok {
		return
	}
	details, err := h.engine.GetAgreement(c.Request.Context(), customerID(c), agreementID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelAgreement(c *gin.Context) {
	agreementID, ok := pathID(c)
	if !ok {
		return
	}
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	agreement, err := h.engine.CancelAgreement(c.Request.Context(), customerID(c), agreementID, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agreement)
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) previewFlexiblePayment(c *gin.Context) {
	agreementID, ok := pathID(c)
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	preview, err := h.engine.PreviewFlexiblePayment(c.Request.Context(), customerID(c), agreementID, req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

func (h *Handler) applyFlexiblePayment(c *gin.Context) {
	agreementID, ok := pathID(c)
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	h.idempotent(c, func(ctx context.Context) (int, interface{}, error) {
		result, err := h.engine.ApplyFlexiblePayment(ctx, customerID(c), agreementID, req.Amount)
		return http.StatusOK, result, err
	})
}

func (h *Handler) payoffQuote(c *gin.Context) {
	agreementID, ok := pathID(c)
	if !ok {
		return
	}
	quote, err := h.engine.QuoteEarlyPayoff(c.Request.Context(), customerID(c), agreementID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (h *Handler) settlePayoff(c *gin.Context) {
	agreementID, ok := pathID(c)
	if !ok {
		return
	}
	h.idempotent(c, func(ctx context.Context) (int, interface{}, error) {
		result, err := h.engine.SettleEarlyPayoff(ctx, customerID(c), agreementID)
		return http.StatusOK, result, err
	})
}

func (h *Handler) processPayment(c *gin.Context) {
	paymentID, ok := pathID(c)
	if !ok {
		return
	}
	result, err := h.engine.ProcessPayment(c.Request.Context(), paymentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) retryPayment(c *gin.Context) {
	paymentID, ok := pathID(c)
	if !ok {
		return
	}
	result, err := h.engine.RetryPayment(c.Request.Context(), paymentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type failureRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) recordPaymentFailure(c *gin.Context) {
	paymentID, ok := pathID(c)
	if !ok {
		return
	}
	var req failureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	payment, err := h.engine.RecordPaymentFailure(c.Request.Context(), paymentID, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) completeAgreement(c *gin.Context) {
	agreementID, ok := pathID(c)
	if !ok {
		return
	}
	agreement, err := h.engine.CompleteAgreement(c.Request.Context(), agreementID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agreement)
}

type fulfillmentRequest struct {
	At *time.Time `json:"at"`
}

func (h *Handler) recordShipment(c *gin.Context) {
	h.recordFulfillment(c, h.engine.RecordShipment)
}

func (h *Handler) recordDelivery(c *gin.Context) {
	h.recordFulfillment(c, h.engine.RecordDelivery)
}

func (h *Handler) recordFulfillment(c *gin.Context, record func(context.Context, int64, time.Time) (*models.Agreement, error)) {
	agreementID, ok := pathID(c)
	if !ok {
		return
	}
	var req fulfillmentRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	at := time.Now()
	if req.At != nil {
		at = *req.At
	}

	agreement, err := record(c.Request.Context(), agreementID, at)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agreement)
}

type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// idempotent runs a money-moving request at most once per Idempotency-Key and
// replays the stored response for repeats. Failed requests free the key.
func (h *Handler) idempotent(c *gin.Context, run func(ctx context.Context) (int, interface{}, error)) {
	ctx := c.Request.Context()
	key := c.GetHeader(idempotencyHeader)
	if key == "" || h.idempotency == nil {
		status, body, err := run(ctx)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(status, body)
		return
	}

	scoped := strconv.FormatInt(customerID(c), 10) + ":" + c.FullPath() + ":" + key
	claimed, stored, err := h.idempotency.ClaimIdempotencyKey(ctx, scoped, h.idempotencyTTL)
	if err != nil {
		if errors.Is(err, redisclient.ErrRequestInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.writeError(c, err)
		return
	}
	if !claimed {
		var replay storedResponse
		if err := json.Unmarshal(stored, &replay); err != nil {
			h.writeError(c, err)
			return
		}
		c.Header("Idempotent-Replayed", "true")
		c.Data(replay.Status, "application/json; charset=utf-8", replay.Body)
		return
	}

	status, body, err := run(ctx)
	if err != nil {
		if ferr := h.idempotency.ForgetIdempotencyKey(context.Background(), scoped); ferr != nil {
			h.logger.Warn("Failed to free idempotency key", zap.String("key", scoped), zap.Error(ferr))
		}
		h.writeError(c, err)
		return
	}

	raw, err := json.Marshal(body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	// The work is committed; a failed store leaves the key claimed until it
	// expires rather than letting a retry run it twice.
	record, err := encodeStoredResponse(status, raw)
	if err == nil {
		err = h.idempotency.StoreIdempotentResponse(context.Background(), scoped, record, h.idempotencyTTL)
	}
	if err != nil {
		h.logger.Error("Failed to store idempotent response", zap.String("key", scoped), zap.Error(err))
	}
	c.Data(status, "application/json; charset=utf-8", raw)
}

func encodeStoredResponse(status int, body []byte) ([]byte, error) {
	record, err := json.Marshal(storedResponse{Status: status, Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to encode idempotent response: %w", err)
	}
	return record, nil
}

// writeError maps engine errors to HTTP statuses. Unknown errors are logged
// and hidden behind a 500.
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		notFound     *service.NotFoundError
		validation   *service.ValidationError
		invalidState *service.InvalidStateError
		notEligible  *service.NotEligibleError
		funds        *service.InsufficientFundsError
		inactive     *service.AccountInactiveError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &validation):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &invalidState), errors.As(err, &notEligible):
		status = http.StatusConflict
	case errors.As(err, &funds), errors.As(err, &inactive):
		status = http.StatusPaymentRequired
	case errors.Is(err, store.ErrConcurrentUpdate):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		util.LoggerFromContext(c.Request.Context()).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// requireCustomer rejects requests without a customer identity
func requireCustomer() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(customerHeader), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid " + customerHeader})
			return
		}
		c.Set("customer_id", id)
		c.Next()
	}
}

func customerID(c *gin.Context) int64 {
	return c.GetInt64("customer_id")
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID"})
		return 0, false
	}
	return id, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

// tracingMiddleware continues the caller's trace, if any, with one span per request
func tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := util.StartSpan(ctx, c.Request.Method+" "+route,
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		if c.Writer.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(c.Writer.Status()))
		}
	}
}
