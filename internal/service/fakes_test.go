package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"installment-service/internal/models"
	"installment-service/internal/store"

	"github.com/shopspring/decimal"
)

// memRepo is an in-memory Repository. RunInTx snapshots the state and
// restores it when the unit of work fails.
type memRepo struct {
	mu         sync.Mutex
	products   map[int64]models.Product
	plans      map[int64]models.Plan
	agreements map[int64]models.Agreement
	payments   map[int64]models.Payment
	events     map[string]string
	nextID     int64

	// failUpdateAgreement makes the next UpdateAgreement fail.
	failUpdateAgreement error
	// beforeLink runs inside LinkOrder before the order is linked.
	beforeLink func(a *models.Agreement)
}

type memTxKey struct{}

func newMemRepo() *memRepo {
	return &memRepo{
		products:   map[int64]models.Product{},
		plans:      map[int64]models.Plan{},
		agreements: map[int64]models.Agreement{},
		payments:   map[int64]models.Payment{},
		events:     map[string]string{},
	}
}

func (r *memRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func cloneAgreement(a models.Agreement) models.Agreement {
	if a.Metadata != nil {
		md := make(models.Metadata, len(a.Metadata))
		for k, v := range a.Metadata {
			md[k] = v
		}
		a.Metadata = md
	}
	return a
}

func (r *memRepo) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	r.mu.Lock()
	agreements := make(map[int64]models.Agreement, len(r.agreements))
	for k, v := range r.agreements {
		agreements[k] = cloneAgreement(v)
	}
	payments := make(map[int64]models.Payment, len(r.payments))
	for k, v := range r.payments {
		payments[k] = v
	}
	r.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		r.mu.Lock()
		r.agreements = agreements
		r.payments = payments
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memRepo) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (r *memRepo) GetPlanByID(ctx context.Context, id int64) (*models.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (r *memRepo) GetPlansByProductID(ctx context.Context, productID int64) ([]models.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Plan
	for _, p := range r.plans {
		if p.ProductID == productID && p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) CreateAgreement(ctx context.Context, a *models.Agreement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.ID = r.id()
	a.Version = 1
	r.agreements[a.ID] = cloneAgreement(*a)
	return nil
}

func (r *memRepo) GetAgreementByID(ctx context.Context, id int64) (*models.Agreement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agreements[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	a = cloneAgreement(a)
	return &a, nil
}

func (r *memRepo) LockAgreement(ctx context.Context, id int64) (*models.Agreement, error) {
	return r.GetAgreementByID(ctx, id)
}

func (r *memRepo) UpdateAgreement(ctx context.Context, a *models.Agreement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failUpdateAgreement; err != nil {
		r.failUpdateAgreement = nil
		return err
	}
	stored, ok := r.agreements[a.ID]
	if !ok || stored.Version != a.Version {
		return fmt.Errorf("agreement %d version %d: %w", a.ID, a.Version, store.ErrConcurrentUpdate)
	}
	a.Version++
	r.agreements[a.ID] = cloneAgreement(*a)
	return nil
}

func (r *memRepo) LinkOrder(ctx context.Context, agreementID, orderID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agreements[agreementID]
	if ok && r.beforeLink != nil {
		r.beforeLink(&a)
		r.agreements[agreementID] = a
	}
	if !ok || a.OrderID != nil {
		return store.ErrConcurrentUpdate
	}
	a.OrderID = &orderID
	a.Version++
	r.agreements[agreementID] = a
	return nil
}

func (r *memRepo) GetAgreementsByCustomerID(ctx context.Context, customerID int64) ([]models.Agreement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Agreement
	for _, a := range r.agreements {
		if a.CustomerID == customerID {
			out = append(out, cloneAgreement(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *memRepo) CreatePayments(ctx context.Context, payments []models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range payments {
		payments[i].ID = r.id()
		r.payments[payments[i].ID] = payments[i]
	}
	return nil
}

func (r *memRepo) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (r *memRepo) ListPayments(ctx context.Context, agreementID int64) ([]models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Payment
	for _, p := range r.payments {
		if p.AgreementID == agreementID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentNumber < out[j].PaymentNumber })
	return out, nil
}

func (r *memRepo) UpdatePayment(ctx context.Context, p *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[p.ID]; !ok {
		return store.ErrNotFound
	}
	r.payments[p.ID] = *p
	return nil
}

func (r *memRepo) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.events[eventID]
	return ok, nil
}

func (r *memRepo) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[eventID] = eventType
	return nil
}

// memLedger is a wallet ledger that commits on its own, like a remote
// wallet service.
type memLedger struct {
	mu       sync.Mutex
	balances map[int64]*models.Balance
	debits   []models.DebitRequest
	reversed []string
	seq      int
}

func newMemLedger() *memLedger {
	return &memLedger{balances: map[int64]*models.Balance{}}
}

func (l *memLedger) fund(customerID int64, amount string) {
	l.balances[customerID] = &models.Balance{
		AccountID: fmt.Sprintf("wallet-%d", customerID),
		Amount:    decimal.RequireFromString(amount),
		Active:    true,
	}
}

func (l *memLedger) balance(customerID int64) decimal.Decimal {
	return l.balances[customerID].Amount
}

func (l *memLedger) GetBalance(ctx context.Context, customerID int64) (*models.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (l *memLedger) Debit(ctx context.Context, req models.DebitRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.balances {
		if b.AccountID != req.SourceAccount {
			continue
		}
		if !b.Active {
			return "", store.ErrAccountInactive
		}
		if b.Amount.LessThan(req.Amount) {
			return "", store.ErrInsufficientFunds
		}
		b.Amount = b.Amount.Sub(req.Amount)
		l.seq++
		l.debits = append(l.debits, req)
		return fmt.Sprintf("tx-%d", l.seq), nil
	}
	return "", store.ErrNotFound
}

func (l *memLedger) Reverse(ctx context.Context, txID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var seq int
	if _, err := fmt.Sscanf(txID, "tx-%d", &seq); err != nil || seq < 1 || seq > len(l.debits) {
		return errors.New("unknown transaction " + txID)
	}
	req := l.debits[seq-1]
	for _, b := range l.balances {
		if b.AccountID == req.SourceAccount {
			b.Amount = b.Amount.Add(req.Amount)
		}
	}
	l.reversed = append(l.reversed, txID)
	return nil
}

// sharedLedger writes through the repository transaction.
type sharedLedger struct {
	*memLedger
}

func (sharedLedger) SharesTransaction() bool { return true }

type memPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *memPublisher) Publish(ctx context.Context, event models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *memPublisher) ofType(eventType string) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Event
	for _, e := range p.events {
		if e.Type() == eventType {
			out = append(out, e)
		}
	}
	return out
}

type memOrders struct {
	calls  int
	nextID int64
	err    error
}

func (o *memOrders) CreateOrderForAgreement(ctx context.Context, agreement *models.Agreement) (int64, error) {
	o.calls++
	if o.err != nil {
		return 0, o.err
	}
	o.nextID++
	return 9000 + o.nextID, nil
}

type memInventory struct {
	outOfStock bool
	reserved   int
	released   int
	committed  int
	abandoned  int
}

func (i *memInventory) ReserveStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	if i.outOfStock {
		return false, nil
	}
	i.reserved += quantity
	return true, nil
}

func (i *memInventory) ReleaseStock(ctx context.Context, productID int64, quantity int) error {
	i.released += quantity
	return nil
}

func (i *memInventory) CommitStock(ctx context.Context, productID int64, quantity int) error {
	i.committed += quantity
	return nil
}

func (i *memInventory) AbandonReservation(ctx context.Context, productID int64, quantity int) error {
	i.abandoned += quantity
	return nil
}

const (
	testCustomer = int64(7)
	testProduct  = int64(100)
)

// acceptedAt is the fixed clock of every test service.
var acceptedAt = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc       *AgreementService
	repo      *memRepo
	ledger    *memLedger
	publisher *memPublisher
	orders    *memOrders
	inventory *memInventory
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()

	f := &fixture{
		repo:      newMemRepo(),
		ledger:    newMemLedger(),
		publisher: &memPublisher{},
		orders:    &memOrders{},
		inventory: &memInventory{},
	}
	f.repo.products[testProduct] = models.Product{ID: testProduct, SKU: "TV-55", Name: "55in TV", Price: decimal.RequireFromString("1200.00")}
	f.ledger.fund(testCustomer, "5000.00")

	f.svc = NewAgreementService(f.repo, sharedLedger{f.ledger}, f.publisher, f.inventory, f.orders, policy)
	f.svc.now = func() time.Time { return acceptedAt }
	return f
}

func (f *fixture) setClock(t time.Time) {
	f.svc.now = func() time.Time { return t }
}

// addPlan registers a six month plan with a 10% minimum down payment.
func (f *fixture) addPlan(timing models.FulfillmentTiming, annualRate string) int64 {
	id := f.repo.id()
	f.repo.plans[id] = models.Plan{
		ID:                    id,
		ProductID:             testProduct,
		Name:                  "6 months",
		Frequency:             models.FrequencyMonthly,
		NumberOfPayments:      6,
		AnnualRate:            decimal.RequireFromString(annualRate),
		MinDownPaymentPercent: decimal.NewFromInt(10),
		PaymentStartDelayDays: 30,
		FulfillmentTiming:     timing,
		Active:                true,
	}
	return id
}

// newAgreement creates a 1200.00 purchase with 20% down, which leaves 960.00
// financed. At 0% that is six payments of 160.00.
func (f *fixture) newAgreement(t *testing.T, timing models.FulfillmentTiming, annualRate string) *AgreementDetails {
	t.Helper()
	details, err := f.svc.CreateAgreement(context.Background(), &CreateAgreementRequest{
		CustomerID:         testCustomer,
		ProductID:          testProduct,
		PlanID:             f.addPlan(timing, annualRate),
		Quantity:           1,
		DownPaymentPercent: decimal.NewFromInt(20),
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	return details
}

func (f *fixture) agreement(t *testing.T, id int64) *models.Agreement {
	t.Helper()
	a, err := f.repo.GetAgreementByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load agreement %d: %v", id, err)
	}
	return a
}

func (f *fixture) payments(t *testing.T, agreementID int64) []models.Payment {
	t.Helper()
	payments, err := f.repo.ListPayments(context.Background(), agreementID)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	return payments
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
