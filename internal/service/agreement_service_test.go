package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"installment-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAgreementImmediate(t *testing.T) {
	f := newFixture(t, DefaultPolicy())

	details := f.newAgreement(t, models.FulfillmentImmediate, "0")
	a := f.agreement(t, details.Agreement.ID)

	assert.Equal(t, models.AgreementStatusActive, a.Status)
	assert.True(t, a.PurchasePrice.Equal(money("1200")))
	assert.True(t, a.DownPaymentAmount.Equal(money("240")))
	assert.True(t, a.FinancedAmount.Equal(money("960")))
	assert.True(t, a.PaymentAmount.Equal(money("160")))
	assert.True(t, a.AmountPaid.Equal(money("240")))
	assert.True(t, a.AmountRemaining.Equal(money("960")))
	assert.True(t, a.TotalAmount.Equal(money("1200")))
	assert.Equal(t, 6, a.PaymentsRemaining)
	assert.True(t, a.RollupsBalanced())
	assert.Regexp(t, `^INST-20240310-[0-9A-F]{10}$`, a.AgreementNumber)

	require.NotNil(t, a.NextPaymentDate)
	assert.True(t, a.NextPaymentDate.Equal(time.Date(2024, 4, 9, 0, 0, 0, 0, time.UTC)))
	assert.True(t, a.NextPaymentAmount.Decimal.Equal(money("160")))

	payments := f.payments(t, a.ID)
	require.Len(t, payments, 6)
	for i, p := range payments {
		assert.Equal(t, i+1, p.PaymentNumber)
		assert.Equal(t, models.PaymentStatusScheduled, p.Status)
		assert.True(t, p.ScheduledAmount.Equal(money("160")))
	}

	// Shipped at creation, nothing held back.
	assert.Equal(t, 1, f.orders.calls)
	require.NotNil(t, a.OrderID)
	assert.Zero(t, f.inventory.reserved)
}

func TestCreateAgreementDeferredReservesStock(t *testing.T) {
	f := newFixture(t, DefaultPolicy())

	details := f.newAgreement(t, models.FulfillmentAfterPayment, "0")

	assert.Equal(t, 1, f.inventory.reserved)
	assert.Zero(t, f.orders.calls)
	assert.Nil(t, f.agreement(t, details.Agreement.ID).OrderID)
}

func TestCreateAgreementRollbackAbandonsReservation(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.repo.failUpdateAgreement = errors.New("connection lost")

	_, err := f.svc.CreateAgreement(context.Background(), &CreateAgreementRequest{
		CustomerID:         testCustomer,
		ProductID:          testProduct,
		PlanID:             f.addPlan(models.FulfillmentAfterPayment, "0"),
		Quantity:           1,
		DownPaymentPercent: decimal.NewFromInt(20),
	})
	require.Error(t, err)

	assert.Empty(t, f.repo.agreements, "the agreement rolled back")
	assert.Equal(t, 1, f.inventory.abandoned)
	assert.Zero(t, f.inventory.released, "the rolled back row must not be released again")
}

func TestCreateAgreementOutOfStock(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.inventory.outOfStock = true

	_, err := f.svc.CreateAgreement(context.Background(), &CreateAgreementRequest{
		CustomerID:         testCustomer,
		ProductID:          testProduct,
		PlanID:             f.addPlan(models.FulfillmentAfterFirstPayment, "0"),
		Quantity:           1,
		DownPaymentPercent: decimal.NewFromInt(20),
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "quantity", verr.Field)
	assert.Empty(t, f.repo.agreements, "aborted agreement must not persist")
	assert.Empty(t, f.repo.payments)
}

func TestCreateAgreementValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(f *fixture, req *CreateAgreementRequest)
		field    string
		notFound bool
	}{
		{
			name:   "down payment below plan minimum",
			mutate: func(f *fixture, req *CreateAgreementRequest) { req.DownPaymentPercent = decimal.NewFromInt(5) },
			field:  "down_payment_percent",
		},
		{
			name:   "down payment above maximum",
			mutate: func(f *fixture, req *CreateAgreementRequest) { req.DownPaymentPercent = decimal.NewFromInt(95) },
			field:  "down_payment_percent",
		},
		{
			name:   "zero quantity",
			mutate: func(f *fixture, req *CreateAgreementRequest) { req.Quantity = 0 },
			field:  "quantity",
		},
		{
			name: "inactive plan",
			mutate: func(f *fixture, req *CreateAgreementRequest) {
				p := f.repo.plans[req.PlanID]
				p.Active = false
				f.repo.plans[req.PlanID] = p
			},
			field: "plan_id",
		},
		{
			name: "plan of another product",
			mutate: func(f *fixture, req *CreateAgreementRequest) {
				p := f.repo.plans[req.PlanID]
				p.ProductID = 555
				f.repo.plans[req.PlanID] = p
			},
			field: "plan_id",
		},
		{
			name:     "unknown plan",
			mutate:   func(f *fixture, req *CreateAgreementRequest) { req.PlanID = 4040 },
			notFound: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DefaultPolicy())
			req := &CreateAgreementRequest{
				CustomerID:         testCustomer,
				ProductID:          testProduct,
				PlanID:             f.addPlan(models.FulfillmentImmediate, "0.12"),
				Quantity:           1,
				DownPaymentPercent: decimal.NewFromInt(20),
			}
			tt.mutate(f, req)

			_, err := f.svc.CreateAgreement(context.Background(), req)
			if tt.notFound {
				var nf *NotFoundError
				assert.ErrorAs(t, err, &nf)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Empty(t, f.repo.agreements)
		})
	}
}

func TestQuoteScheduleMatchesCreatedAgreement(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	planID := f.addPlan(models.FulfillmentImmediate, "0.18")

	quote, err := f.svc.QuoteSchedule(context.Background(), planID, 1, decimal.NewFromInt(20))
	require.NoError(t, err)
	require.Len(t, quote.Schedule, 6)

	details, err := f.svc.CreateAgreement(context.Background(), &CreateAgreementRequest{
		CustomerID:         testCustomer,
		ProductID:          testProduct,
		PlanID:             planID,
		Quantity:           1,
		DownPaymentPercent: decimal.NewFromInt(20),
	})
	require.NoError(t, err)

	assert.True(t, quote.PaymentAmount.Equal(details.Agreement.PaymentAmount))
	assert.True(t, quote.TotalInterest.Equal(details.Agreement.TotalInterestAmount))
	assert.True(t, quote.TotalInterest.IsPositive())
	assert.Empty(t, f.publisher.events)
}

func TestGetAgreementHidesOtherCustomers(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	details := f.newAgreement(t, models.FulfillmentImmediate, "0")

	got, err := f.svc.GetAgreement(context.Background(), testCustomer, details.Agreement.ID)
	require.NoError(t, err)
	assert.Len(t, got.Payments, 6)

	_, err = f.svc.GetAgreement(context.Background(), testCustomer+1, details.Agreement.ID)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)

	list, err := f.svc.ListAgreements(context.Background(), testCustomer+1)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCancelAgreement(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	details := f.newAgreement(t, models.FulfillmentAfterPayment, "0")
	ctx := context.Background()

	a, err := f.svc.CancelAgreement(ctx, testCustomer, details.Agreement.ID, "changed my mind")
	require.NoError(t, err)

	assert.Equal(t, models.AgreementStatusCancelled, a.Status)
	assert.NotNil(t, a.CancelledAt)
	assert.Nil(t, a.NextPaymentDate)
	assert.Equal(t, "changed my mind", f.agreement(t, a.ID).Metadata["cancel_reason"])
	for _, p := range f.payments(t, a.ID) {
		assert.Equal(t, models.PaymentStatusCancelled, p.Status)
	}
	assert.Equal(t, 1, f.inventory.released)

	_, err = f.svc.CancelAgreement(ctx, testCustomer, a.ID, "again")
	var ise *InvalidStateError
	assert.ErrorAs(t, err, &ise)
}

func TestCancelAgreementAfterCollection(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	details := f.newAgreement(t, models.FulfillmentImmediate, "0")
	ctx := context.Background()

	_, err := f.svc.ProcessPayment(ctx, details.Payments[0].ID)
	require.NoError(t, err)

	_, err = f.svc.CancelAgreement(ctx, testCustomer, details.Agreement.ID, "")
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, models.AgreementStatusActive, f.agreement(t, details.Agreement.ID).Status)
}

func TestRecordShipmentAndDelivery(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()
	shipped := acceptedAt.Add(24 * time.Hour)

	deferred := f.newAgreement(t, models.FulfillmentAfterPayment, "0")
	_, err := f.svc.RecordShipment(ctx, deferred.Agreement.ID, shipped)
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise, "no order yet")

	immediate := f.newAgreement(t, models.FulfillmentImmediate, "0")
	_, err = f.svc.RecordDelivery(ctx, immediate.Agreement.ID, shipped)
	require.ErrorAs(t, err, &ise, "not shipped yet")

	a, err := f.svc.RecordShipment(ctx, immediate.Agreement.ID, shipped)
	require.NoError(t, err)
	require.NotNil(t, a.ShippedAt)
	assert.True(t, a.ShippedAt.Equal(shipped))

	a, err = f.svc.RecordDelivery(ctx, immediate.Agreement.ID, shipped.Add(48*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, a.DeliveredAt)
}

func TestListPlansAndAgreements(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()
	first := f.newAgreement(t, models.FulfillmentImmediate, "0")
	second := f.newAgreement(t, models.FulfillmentAfterPayment, "0.12")

	retired := f.addPlan(models.FulfillmentImmediate, "0")
	plan := f.repo.plans[retired]
	plan.Active = false
	f.repo.plans[retired] = plan

	plans, err := f.svc.ListPlans(ctx, testProduct)
	require.NoError(t, err)
	require.Len(t, plans, 2, "retired plans are not offered")
	for _, p := range plans {
		assert.True(t, p.Active)
	}

	_, err = f.svc.ListPlans(ctx, testProduct+1)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)

	list, err := f.svc.ListAgreements(ctx, testCustomer)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.Agreement.ID, list[0].ID, "newest first")
	assert.Equal(t, first.Agreement.ID, list[1].ID)
}
