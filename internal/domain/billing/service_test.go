package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinova/clinova/internal/platform/audit"
)

// -- test doubles --

type passthroughTx struct{}

func (passthroughTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type mockInvoiceRepo struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]*Invoice
	lines    map[uuid.UUID][]*InvoiceLineItem
	nextNum  int64
	payments *mockPaymentRepo
}

func newMockInvoiceRepo() *mockInvoiceRepo {
	return &mockInvoiceRepo{
		invoices: make(map[uuid.UUID]*Invoice),
		lines:    make(map[uuid.UUID][]*InvoiceLineItem),
	}
}

func (m *mockInvoiceRepo) Create(_ context.Context, inv *Invoice, lines []*InvoiceLineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	for i, li := range lines {
		li.InvoiceID = inv.ID
		li.Sequence = i + 1
	}
	cp := *inv
	m.invoices[inv.ID] = &cp
	m.lines[inv.ID] = lines
	return nil
}

func (m *mockInvoiceRepo) GetByID(_ context.Context, id uuid.UUID) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, newNotFoundError("invoice", id.String())
	}
	cp := *inv
	return &cp, nil
}

func (m *mockInvoiceRepo) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return m.GetByID(ctx, id)
}

func (m *mockInvoiceRepo) UpdateStatus(_ context.Context, id uuid.UUID, status InvoiceStatus, issuedDate *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return newNotFoundError("invoice", id.String())
	}
	inv.Status = status
	if issuedDate != nil {
		inv.IssuedDate = issuedDate
	}
	return nil
}

func (m *mockInvoiceRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[id]; !ok {
		return newNotFoundError("invoice", id.String())
	}
	delete(m.invoices, id)
	delete(m.lines, id)
	return nil
}

func (m *mockInvoiceRepo) GetLineItems(_ context.Context, invoiceID uuid.UUID) ([]*InvoiceLineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lines[invoiceID], nil
}

func (m *mockInvoiceRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*Invoice
	for _, inv := range m.invoices {
		if inv.PatientID == patientID {
			cp := *inv
			items = append(items, &cp)
		}
	}
	return items, len(items), nil
}

func (m *mockInvoiceRepo) ListByStatus(_ context.Context, status InvoiceStatus, limit, offset int) ([]*Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*Invoice
	for _, inv := range m.invoices {
		if inv.Status == status {
			cp := *inv
			items = append(items, &cp)
		}
	}
	return items, len(items), nil
}

func (m *mockInvoiceRepo) NextNumber(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextNum++
	return fmt.Sprintf("INV-%06d", m.nextNum), nil
}

func (m *mockInvoiceRepo) MarkOverdue(_ context.Context, asOf time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, inv := range m.invoices {
		if inv.Status == StatusIssued && inv.DueDate != nil && inv.DueDate.Before(asOf) {
			inv.Status = StatusOverdue
			ids = append(ids, inv.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (m *mockInvoiceRepo) SummaryByPatient(ctx context.Context, patientID uuid.UUID) (*PatientSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &PatientSummary{PatientID: patientID}
	for _, inv := range m.invoices {
		if inv.PatientID != patientID || inv.Status == StatusDraft || inv.Status == StatusCancelled {
			continue
		}
		s.InvoiceCount++
		s.TotalBilled = s.TotalBilled.Add(inv.Total)
		paid, err := m.payments.TotalPaid(ctx, inv.ID)
		if err != nil {
			return nil, err
		}
		s.TotalPaid = s.TotalPaid.Add(paid)
		outstanding := inv.Total.Sub(paid)
		if outstanding.IsNegative() {
			outstanding = decimal.Zero
		}
		s.TotalOutstanding = s.TotalOutstanding.Add(outstanding)
	}
	return s, nil
}

type mockPaymentRepo struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*Payment
}

func newMockPaymentRepo() *mockPaymentRepo {
	return &mockPaymentRepo{payments: make(map[uuid.UUID]*Payment)}
}

func (m *mockPaymentRepo) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = time.Now().UTC()
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *mockPaymentRepo) GetByID(_ context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, newNotFoundError("payment", id.String())
	}
	cp := *p
	return &cp, nil
}

func (m *mockPaymentRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[id]; !ok {
		return newNotFoundError("payment", id.String())
	}
	delete(m.payments, id)
	return nil
}

func (m *mockPaymentRepo) ListByInvoice(_ context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*Payment
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			cp := *p
			items = append(items, &cp)
		}
	}
	return items, nil
}

func (m *mockPaymentRepo) TotalPaid(_ context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			total = total.Add(p.Amount)
		}
	}
	return total, nil
}

type mockClaimRepo struct {
	mu     sync.Mutex
	claims map[uuid.UUID]*InsuranceClaim
}

func newMockClaimRepo() *mockClaimRepo {
	return &mockClaimRepo{claims: make(map[uuid.UUID]*InsuranceClaim)}
}

func (m *mockClaimRepo) Create(_ context.Context, c *InsuranceClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	m.claims[c.ID] = &cp
	return nil
}

func (m *mockClaimRepo) GetByID(_ context.Context, id uuid.UUID) (*InsuranceClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, newNotFoundError("insurance claim", id.String())
	}
	cp := *c
	return &cp, nil
}

func (m *mockClaimRepo) Update(_ context.Context, c *InsuranceClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[c.ID]; !ok {
		return newNotFoundError("insurance claim", c.ID.String())
	}
	cp := *c
	m.claims[c.ID] = &cp
	return nil
}

func (m *mockClaimRepo) ListByInvoice(_ context.Context, invoiceID uuid.UUID) ([]*InsuranceClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*InsuranceClaim
	for _, c := range m.claims {
		if c.InvoiceID == invoiceID {
			cp := *c
			items = append(items, &cp)
		}
	}
	return items, nil
}

func (m *mockClaimRepo) HasSubmitted(_ context.Context, invoiceID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.claims {
		if c.InvoiceID == invoiceID && c.Status == ClaimSubmitted {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockClaimRepo) HasSubmittedExcluding(_ context.Context, invoiceID, claimID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.claims {
		if c.InvoiceID == invoiceID && c.Status == ClaimSubmitted && c.ID != claimID {
			return true, nil
		}
	}
	return false, nil
}

type mockCatalogRepo struct {
	mu         sync.Mutex
	items      map[uuid.UUID]*CatalogItem
	referenced map[uuid.UUID]bool
}

func newMockCatalogRepo() *mockCatalogRepo {
	return &mockCatalogRepo{
		items:      make(map[uuid.UUID]*CatalogItem),
		referenced: make(map[uuid.UUID]bool),
	}
}

func (m *mockCatalogRepo) Create(_ context.Context, item *CatalogItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *mockCatalogRepo) GetByID(_ context.Context, id uuid.UUID) (*CatalogItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, newNotFoundError("catalog item", id.String())
	}
	cp := *item
	return &cp, nil
}

func (m *mockCatalogRepo) GetByCode(_ context.Context, code string) (*CatalogItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.Code == code {
			cp := *item
			return &cp, nil
		}
	}
	return nil, newNotFoundError("catalog item", code)
}

func (m *mockCatalogRepo) Update(_ context.Context, item *CatalogItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; !ok {
		return newNotFoundError("catalog item", item.ID.String())
	}
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *mockCatalogRepo) List(_ context.Context, activeOnly bool, limit, offset int) ([]*CatalogItem, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*CatalogItem
	for _, item := range m.items {
		if activeOnly && !item.Active {
			continue
		}
		cp := *item
		items = append(items, &cp)
	}
	return items, len(items), nil
}

func (m *mockCatalogRepo) IsReferenced(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.referenced[id], nil
}

type recordingInvalidator struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, paths)
}

type fixture struct {
	svc         *Service
	invoices    *mockInvoiceRepo
	payments    *mockPaymentRepo
	claims      *mockClaimRepo
	catalog     *mockCatalogRepo
	invalidator *recordingInvalidator
}

func newFixture() *fixture {
	f := &fixture{
		invoices:    newMockInvoiceRepo(),
		payments:    newMockPaymentRepo(),
		claims:      newMockClaimRepo(),
		catalog:     newMockCatalogRepo(),
		invalidator: &recordingInvalidator{},
	}
	f.invoices.payments = f.payments
	f.svc = NewService(f.invoices, f.payments, f.claims, f.catalog,
		passthroughTx{}, audit.NopSink{}, f.invalidator, zerolog.Nop())
	return f
}

func (f *fixture) createTestInvoice(t *testing.T, drafts ...LineItemDraft) *Invoice {
	t.Helper()
	if len(drafts) == 0 {
		drafts = []LineItemDraft{
			{Description: "Consultation", Quantity: 2, UnitPrice: dec("50.00"), TaxPercent: pdec("10")},
		}
	}
	inv, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: uuid.New(),
		LineItems: drafts,
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return inv
}

func (f *fixture) issuedInvoice(t *testing.T, drafts ...LineItemDraft) *Invoice {
	t.Helper()
	inv := f.createTestInvoice(t, drafts...)
	issued, err := f.svc.IssueInvoice(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("issue invoice: %v", err)
	}
	return issued
}

// -- invoice lifecycle --

func TestCreateInvoice(t *testing.T) {
	f := newFixture()
	inv := f.createTestInvoice(t)

	if inv.Status != StatusDraft {
		t.Errorf("status = %s, want draft", inv.Status)
	}
	if inv.Number != "INV-000001" {
		t.Errorf("number = %s, want INV-000001", inv.Number)
	}
	if !inv.Total.Equal(dec("110.00")) {
		t.Errorf("total = %s, want 110.00", inv.Total)
	}

	lines, _ := f.invoices.GetLineItems(context.Background(), inv.ID)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line item, got %d", len(lines))
	}
	if !lines[0].LineTotal.Equal(dec("110.00")) {
		t.Errorf("line total = %s, want 110.00", lines[0].LineTotal)
	}
}

func TestCreateInvoice_RequiresPatient(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		LineItems: []LineItemDraft{{Description: "x", Quantity: 1, UnitPrice: dec("1")}},
	})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "patient_id" {
		t.Errorf("expected patient_id ValidationError, got %v", err)
	}
}

func TestCreateInvoice_InvalidLineWritesNothing(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: uuid.New(),
		LineItems: []LineItemDraft{{Description: "x", Quantity: 0, UnitPrice: dec("1")}},
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(f.invoices.invoices) != 0 {
		t.Error("expected no invoice persisted after validation failure")
	}
}

func TestIssueInvoice(t *testing.T) {
	f := newFixture()
	inv := f.createTestInvoice(t)

	issued, err := f.svc.IssueInvoice(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if issued.Status != StatusIssued {
		t.Errorf("status = %s, want issued", issued.Status)
	}
	if issued.IssuedDate == nil {
		t.Error("expected issued date to be stamped")
	}
}

func TestIssueInvoice_NotDraft(t *testing.T) {
	f := newFixture()
	inv := f.issuedInvoice(t)

	_, err := f.svc.IssueInvoice(context.Background(), inv.ID)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Errorf("expected ConflictError, got %v", err)
	}
}

func TestCancelInvoice(t *testing.T) {
	f := newFixture()
	inv := f.issuedInvoice(t)

	cancelled, err := f.svc.CancelInvoice(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
}

func TestCancelInvoice_PaidInvoice(t *testing.T) {
	f := newFixture()
	inv := f.issuedInvoice(t)
	if _, err := f.svc.RecordPayment(context.Background(), inv.ID, RecordPaymentInput{
		Amount: dec("110.00"), Method: "cash",
	}); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.CancelInvoice(context.Background(), inv.ID)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Errorf("expected ConflictError cancelling a paid invoice, got %v", err)
	}
}

func TestDeleteInvoice_DraftOnly(t *testing.T) {
	f := newFixture()
	draft := f.createTestInvoice(t)
	if err := f.svc.DeleteInvoice(context.Background(), draft.ID); err != nil {
		t.Fatalf("deleting a draft: %v", err)
	}
	if _, err := f.svc.GetInvoice(context.Background(), draft.ID); err == nil {
		t.Error("expected deleted invoice to be gone")
	}

	issued := f.issuedInvoice(t)
	err := f.svc.DeleteInvoice(context.Background(), issued.ID)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError deleting issued invoice, got %v", err)
	}
	if _, err := f.svc.GetInvoice(context.Background(), issued.ID); err != nil {
		t.Error("expected issued invoice to remain intact")
	}
}

func TestMarkOverdue(t *testing.T) {
	f := newFixture()
	past := time.Now().AddDate(0, 0, -10)
	inv, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: uuid.New(),
		DueDate:   &past,
		LineItems: []LineItemDraft{{Description: "x", Quantity: 1, UnitPrice: dec("100")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.IssueInvoice(context.Background(), inv.ID); err != nil {
		t.Fatal(err)
	}
	// A draft past its due date must not be touched.
	f.createTestInvoice(t)

	count, err := f.svc.MarkOverdue(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("marked %d invoices, want 1", count)
	}
	got, _ := f.invoices.GetByID(context.Background(), inv.ID)
	if got.Status != StatusOverdue {
		t.Errorf("status = %s, want overdue", got.Status)
	}
}

func TestPatientSummary(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	patientID := uuid.New()

	inv, err := f.svc.CreateInvoice(ctx, CreateInvoiceInput{
		PatientID: patientID,
		LineItems: []LineItemDraft{{Description: "Consultation", Quantity: 1, UnitPrice: dec("110.00")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.IssueInvoice(ctx, inv.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RecordPayment(ctx, inv.ID, RecordPaymentInput{Amount: dec("60.00"), Method: "cash"}); err != nil {
		t.Fatal(err)
	}
	// Drafts stay out of the summary.
	if _, err := f.svc.CreateInvoice(ctx, CreateInvoiceInput{
		PatientID: patientID,
		LineItems: []LineItemDraft{{Description: "Pending work", Quantity: 1, UnitPrice: dec("30.00")}},
	}); err != nil {
		t.Fatal(err)
	}

	summary, err := f.svc.PatientSummary(ctx, patientID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.InvoiceCount != 1 {
		t.Errorf("invoice count = %d, want 1", summary.InvoiceCount)
	}
	if !summary.TotalBilled.Equal(dec("110.00")) {
		t.Errorf("total billed = %s, want 110.00", summary.TotalBilled)
	}
	if !summary.TotalPaid.Equal(dec("60.00")) {
		t.Errorf("total paid = %s, want 60.00", summary.TotalPaid)
	}
	if !summary.TotalOutstanding.Equal(dec("50.00")) {
		t.Errorf("total outstanding = %s, want 50.00", summary.TotalOutstanding)
	}
}

// -- payments --

func TestRecordPayment_Lifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.issuedInvoice(t) // total 110.00

	p1, err := f.svc.RecordPayment(ctx, inv.ID, RecordPaymentInput{Amount: dec("60.00"), Method: "cash"})
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if !p1.Amount.Equal(dec("60.00")) {
		t.Errorf("amount = %s, want 60.00", p1.Amount)
	}
	detail, err := f.svc.GetInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Status != StatusPartiallyPaid {
		t.Errorf("status = %s, want partially_paid", detail.Status)
	}
	if !detail.AmountPaid.Equal(dec("60.00")) || !detail.BalanceDue.Equal(dec("50.00")) {
		t.Errorf("paid = %s due = %s, want 60.00/50.00", detail.AmountPaid, detail.BalanceDue)
	}

	if _, err := f.svc.RecordPayment(ctx, inv.ID, RecordPaymentInput{Amount: dec("50.00"), Method: "card"}); err != nil {
		t.Fatalf("second payment: %v", err)
	}
	detail, _ = f.svc.GetInvoice(ctx, inv.ID)
	if detail.Status != StatusPaid {
		t.Errorf("status = %s, want paid", detail.Status)
	}

	_, err = f.svc.RecordPayment(ctx, inv.ID, RecordPaymentInput{Amount: dec("0.01"), Method: "cash"})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError for overdraw, got %v", err)
	}
	if ce.Remaining == nil || !ce.Remaining.Equal(dec("0")) {
		t.Errorf("remaining = %v, want 0", ce.Remaining)
	}
	pays, _ := f.payments.ListByInvoice(ctx, inv.ID)
	if len(pays) != 2 {
		t.Errorf("overdraw must leave the ledger unchanged, found %d payments", len(pays))
	}
}

func TestRecordPayment_Overdraw(t *testing.T) {
	f := newFixture()
	inv := f.issuedInvoice(t)

	_, err := f.svc.RecordPayment(context.Background(), inv.ID, RecordPaymentInput{
		Amount: dec("120.00"), Method: "cash",
	})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if ce.Remaining == nil || !ce.Remaining.Equal(dec("110.00")) {
		t.Errorf("remaining = %v, want 110.00", ce.Remaining)
	}
	got, _ := f.invoices.GetByID(context.Background(), inv.ID)
	if got.Status != StatusIssued {
		t.Errorf("status = %s, want issued after rejected payment", got.Status)
	}
}

func TestRecordPayment_RejectsNonPositiveAmount(t *testing.T) {
	f := newFixture()
	inv := f.issuedInvoice(t)

	for _, amount := range []string{"0", "-5.00"} {
		_, err := f.svc.RecordPayment(context.Background(), inv.ID, RecordPaymentInput{
			Amount: dec(amount), Method: "cash",
		})
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != "amount" {
			t.Errorf("amount %s: expected amount ValidationError, got %v", amount, err)
		}
	}
}

func TestRecordPayment_RejectsDraftInvoice(t *testing.T) {
	f := newFixture()
	inv := f.createTestInvoice(t)

	_, err := f.svc.RecordPayment(context.Background(), inv.ID, RecordPaymentInput{
		Amount: dec("10.00"), Method: "cash",
	})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Errorf("expected ConflictError for draft invoice, got %v", err)
	}
}

func TestReversePayment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.issuedInvoice(t)

	p, err := f.svc.RecordPayment(ctx, inv.ID, RecordPaymentInput{Amount: dec("60.00"), Method: "cash"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ReversePayment(ctx, p.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := f.invoices.GetByID(ctx, inv.ID)
	if got.Status != StatusIssued {
		t.Errorf("status = %s, want issued after reversal", got.Status)
	}
	total, _ := f.payments.TotalPaid(ctx, inv.ID)
	if !total.IsZero() {
		t.Errorf("total paid = %s, want 0", total)
	}
}

func TestReversePayment_DowngradesPaidToPartial(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.issuedInvoice(t)

	if _, err := f.svc.RecordPayment(ctx, inv.ID, RecordPaymentInput{Amount: dec("60.00"), Method: "cash"}); err != nil {
		t.Fatal(err)
	}
	p2, err := f.svc.RecordPayment(ctx, inv.ID, RecordPaymentInput{Amount: dec("50.00"), Method: "card"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ReversePayment(ctx, p2.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := f.invoices.GetByID(ctx, inv.ID)
	if got.Status != StatusPartiallyPaid {
		t.Errorf("status = %s, want partially_paid", got.Status)
	}
}

func TestReversePayment_DoubleReversal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.issuedInvoice(t)

	p, err := f.svc.RecordPayment(ctx, inv.ID, RecordPaymentInput{Amount: dec("60.00"), Method: "cash"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ReversePayment(ctx, p.ID); err != nil {
		t.Fatal(err)
	}

	err = f.svc.ReversePayment(ctx, p.ID)
	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		t.Errorf("expected NotFoundError on double reversal, got %v", err)
	}
}

// -- insurance claims --

func submitInput(amount string) SubmitClaimInput {
	return SubmitClaimInput{
		Provider:     "Acme Health",
		PolicyNumber: "POL-123",
		ClaimAmount:  dec(amount),
	}
}

func TestSubmitClaim(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.issuedInvoice(t)

	claim, err := f.svc.SubmitClaim(ctx, inv.ID, submitInput("110.00"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claim.Status != ClaimSubmitted {
		t.Errorf("claim status = %s, want submitted", claim.Status)
	}
	got, _ := f.invoices.GetByID(ctx, inv.ID)
	if got.Status != StatusInsurancePending {
		t.Errorf("invoice status = %s, want insurance_pending", got.Status)
	}
}

func TestSubmitClaim_ForcesPendingOverPartialPayment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.issuedInvoice(t)

	if _, err := f.svc.RecordPayment(ctx, inv.ID, RecordPaymentInput{Amount: dec("60.00"), Method: "cash"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SubmitClaim(ctx, inv.ID, submitInput("50.00")); err != nil {
		t.Fatal(err)
	}
	got, _ := f.invoices.GetByID(ctx, inv.ID)
	if got.Status != StatusInsurancePending {
		t.Errorf("invoice status = %s, want insurance_pending", got.Status)
	}
}

func TestSubmitClaim_Validation(t *testing.T) {
	f := newFixture()
	inv := f.issuedInvoice(t)

	tests := []struct {
		name  string
		in    SubmitClaimInput
		field string
	}{
		{"missing provider", SubmitClaimInput{PolicyNumber: "P", ClaimAmount: dec("1")}, "provider"},
		{"missing policy", SubmitClaimInput{Provider: "A", ClaimAmount: dec("1")}, "policy_number"},
		{"zero amount", SubmitClaimInput{Provider: "A", PolicyNumber: "P", ClaimAmount: dec("0")}, "claim_amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SubmitClaim(context.Background(), inv.ID, tt.in)
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("expected %s ValidationError, got %v", tt.field, err)
			}
		})
	}
}

func TestSubmitClaim_SecondActiveClaimAllowed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.issuedInvoice(t)

	if _, err := f.svc.SubmitClaim(ctx, inv.ID, submitInput("60.00")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SubmitClaim(ctx, inv.ID, submitInput("50.00")); err != nil {
		t.Fatalf("second active claim should be allowed, got %v", err)
	}
	claims, _ := f.claims.ListByInvoice(ctx, inv.ID)
	if len(claims) != 2 {
		t.Errorf("expected 2 claims, got %d", len(claims))
	}
}

func TestResolveClaim_Approved(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.issuedInvoice(t) // total 110.00

	claim, err := f.svc.SubmitClaim(ctx, inv.ID, submitInput("110.00"))
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := f.svc.ResolveClaim(ctx, claim.ID, ResolveClaimInput{
		Outcome: "approved", ApprovedAmount: pdec("110.00"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Status != ClaimApproved {
		t.Errorf("claim status = %s, want approved", resolved.Status)
	}
	if resolved.ApprovedAmount == nil || !resolved.ApprovedAmount.Equal(dec("110.00")) {
		t.Errorf("approved amount = %v, want 110.00", resolved.ApprovedAmount)
	}

	pays, _ := f.payments.ListByInvoice(ctx, inv.ID)
	if len(pays) != 1 {
		t.Fatalf("expected exactly one synthetic payment, got %d", len(pays))
	}
	if pays[0].Method != PaymentMethodInsurance {
		t.Errorf("payment method = %s, want insurance", pays[0].Method)
	}
	if !pays[0].Amount.Equal(dec("110.00")) {
		t.Errorf("payment amount = %s, want 110.00", pays[0].Amount)
	}

	got, _ := f.invoices.GetByID(ctx, inv.ID)
	if got.Status != StatusPaid {
		t.Errorf("invoice status = %s, want paid", got.Status)
	}
}

func TestResolveClaim_ApprovedPartialAmount(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.issuedInvoice(t)

	claim, err := f.svc.SubmitClaim(ctx, inv.ID, submitInput("110.00"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ResolveClaim(ctx, claim.ID, ResolveClaimInput{
		Outcome: "approved", ApprovedAmount: pdec("40.00"),
	}); err != nil {
		t.Fatal(err)
	}

	got, _ := f.invoices.GetByID(ctx, inv.ID)
	if got.Status != StatusPartiallyPaid {
		t.Errorf("invoice status = %s, want partially_paid", got.Status)
	}
}

func TestResolveClaim_ApprovedAmountOverdrawsBalance(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.issuedInvoice(t) // total 110.00

	if _, err := f.svc.RecordPayment(ctx, inv.ID, RecordPaymentInput{Amount: dec("60.00"), Method: "cash"}); err != nil {
		t.Fatal(err)
	}
	claim, err := f.svc.SubmitClaim(ctx, inv.ID, submitInput("110.00"))
	if err != nil {
		t.Fatal(err)
	}

	// Approving the full claim would push paid past the invoice total.
	_, err = f.svc.ResolveClaim(ctx, claim.ID, ResolveClaimInput{
		Outcome: "approved", ApprovedAmount: pdec("110.00"),
	})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if ce.Remaining == nil || !ce.Remaining.Equal(dec("50.00")) {
		t.Errorf("remaining = %v, want 50.00", ce.Remaining)
	}

	pays, _ := f.payments.ListByInvoice(ctx, inv.ID)
	if len(pays) != 1 {
		t.Errorf("rejected approval must leave the ledger unchanged, found %d payments", len(pays))
	}
	total, _ := f.payments.TotalPaid(ctx, inv.ID)
	if !total.Equal(dec("60.00")) {
		t.Errorf("total paid = %s, want 60.00", total)
	}
	unresolved, _ := f.claims.GetByID(ctx, claim.ID)
	if unresolved.Status != ClaimSubmitted {
		t.Errorf("claim status = %s, want submitted after rejected approval", unresolved.Status)
	}

	// The remaining balance is still approvable.
	if _, err := f.svc.ResolveClaim(ctx, claim.ID, ResolveClaimInput{
		Outcome: "approved", ApprovedAmount: pdec("50.00"),
	}); err != nil {
		t.Fatalf("approving the remaining balance: %v", err)
	}
	got, _ := f.invoices.GetByID(ctx, inv.ID)
	if got.Status != StatusPaid {
		t.Errorf("invoice status = %s, want paid", got.Status)
	}
}

func TestResolveClaim_DeniedNoPayments(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.issuedInvoice(t)

	claim, err := f.svc.SubmitClaim(ctx, inv.ID, submitInput("110.00"))
	if err != nil {
		t.Fatal(err)
	}
	reason := "out of network"
	resolved, err := f.svc.ResolveClaim(ctx, claim.ID, ResolveClaimInput{
		Outcome: "denied", DenialReason: &reason,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Status != ClaimDenied {
		t.Errorf("claim status = %s, want denied", resolved.Status)
	}
	if resolved.DenialReason == nil || *resolved.DenialReason != reason {
		t.Errorf("denial reason = %v, want %q", resolved.DenialReason, reason)
	}

	got, _ := f.invoices.GetByID(ctx, inv.ID)
	if got.Status != StatusIssued {
		t.Errorf("invoice status = %s, want issued", got.Status)
	}
}

func TestResolveClaim_DeniedKeepsPartialPayment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.issuedInvoice(t)

	if _, err := f.svc.RecordPayment(ctx, inv.ID, RecordPaymentInput{Amount: dec("50.00"), Method: "cash"}); err != nil {
		t.Fatal(err)
	}
	claim, err := f.svc.SubmitClaim(ctx, inv.ID, submitInput("60.00"))
	if err != nil {
		t.Fatal(err)
	}
	reason := "deductible not met"
	if _, err := f.svc.ResolveClaim(ctx, claim.ID, ResolveClaimInput{
		Outcome: "denied", DenialReason: &reason,
	}); err != nil {
		t.Fatal(err)
	}

	// The earlier cash payment must survive the denial.
	got, _ := f.invoices.GetByID(ctx, inv.ID)
	if got.Status != StatusPartiallyPaid {
		t.Errorf("invoice status = %s, want partially_paid", got.Status)
	}
}

func TestResolveClaim_OtherClaimStillPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.issuedInvoice(t)

	first, err := f.svc.SubmitClaim(ctx, inv.ID, submitInput("60.00"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SubmitClaim(ctx, inv.ID, submitInput("50.00")); err != nil {
		t.Fatal(err)
	}

	reason := "duplicate"
	if _, err := f.svc.ResolveClaim(ctx, first.ID, ResolveClaimInput{
		Outcome: "denied", DenialReason: &reason,
	}); err != nil {
		t.Fatal(err)
	}
	got, _ := f.invoices.GetByID(ctx, inv.ID)
	if got.Status != StatusInsurancePending {
		t.Errorf("invoice status = %s, want insurance_pending while second claim is active", got.Status)
	}
}

func TestResolveClaim_AlreadyResolved(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.issuedInvoice(t)

	claim, err := f.svc.SubmitClaim(ctx, inv.ID, submitInput("110.00"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ResolveClaim(ctx, claim.ID, ResolveClaimInput{
		Outcome: "approved", ApprovedAmount: pdec("110.00"),
	}); err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.ResolveClaim(ctx, claim.ID, ResolveClaimInput{
		Outcome: "approved", ApprovedAmount: pdec("110.00"),
	})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Errorf("expected ConflictError resolving twice, got %v", err)
	}
}

func TestResolveClaim_Validation(t *testing.T) {
	f := newFixture()
	tests := []struct {
		name  string
		in    ResolveClaimInput
		field string
	}{
		{"unknown outcome", ResolveClaimInput{Outcome: "maybe"}, "outcome"},
		{"approved without amount", ResolveClaimInput{Outcome: "approved"}, "approved_amount"},
		{"approved with zero amount", ResolveClaimInput{Outcome: "approved", ApprovedAmount: pdec("0")}, "approved_amount"},
		{"denied without reason", ResolveClaimInput{Outcome: "denied"}, "denial_reason"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ResolveClaim(context.Background(), uuid.New(), tt.in)
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("expected %s ValidationError, got %v", tt.field, err)
			}
		})
	}
}

// -- catalog --

func TestUpdateCatalogItem_ImmutableOnceReferenced(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	item, err := f.svc.CreateCatalogItem(ctx, CatalogItemInput{
		Code: "CONS", Name: "Consultation", DefaultPrice: pdec("50.00"),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.catalog.referenced[item.ID] = true

	_, err = f.svc.UpdateCatalogItem(ctx, item.ID, CatalogItemInput{DefaultPrice: pdec("75.00")})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError editing referenced item, got %v", err)
	}

	inactive := false
	updated, err := f.svc.UpdateCatalogItem(ctx, item.ID, CatalogItemInput{Active: &inactive})
	if err != nil {
		t.Fatalf("toggling active on referenced item: %v", err)
	}
	if updated.Active {
		t.Error("expected item to be deactivated")
	}
	if !updated.DefaultPrice.Equal(dec("50.00")) {
		t.Errorf("price = %s, want unchanged 50.00", updated.DefaultPrice)
	}
}

func TestUpdateCatalogItem_Unreferenced(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	item, err := f.svc.CreateCatalogItem(ctx, CatalogItemInput{
		Code: "LAB", Name: "Lab panel", DefaultPrice: pdec("200.00"),
	})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := f.svc.UpdateCatalogItem(ctx, item.ID, CatalogItemInput{DefaultPrice: pdec("180.00")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated.DefaultPrice.Equal(dec("180.00")) {
		t.Errorf("price = %s, want 180.00", updated.DefaultPrice)
	}

	// An explicit zero price is a real update, not an omitted field.
	updated, err = f.svc.UpdateCatalogItem(ctx, item.ID, CatalogItemInput{DefaultPrice: pdec("0")})
	if err != nil {
		t.Fatalf("setting price to zero: %v", err)
	}
	if !updated.DefaultPrice.IsZero() {
		t.Errorf("price = %s, want 0", updated.DefaultPrice)
	}

	// Omitting the price leaves it untouched.
	name := "Extended lab panel"
	updated, err = f.svc.UpdateCatalogItem(ctx, item.ID, CatalogItemInput{Name: name})
	if err != nil {
		t.Fatal(err)
	}
	if !updated.DefaultPrice.IsZero() || updated.Name != name {
		t.Errorf("got price %s name %q, want price 0 and name %q", updated.DefaultPrice, updated.Name, name)
	}
}

func TestCreateCatalogItem_RequiresPrice(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CreateCatalogItem(context.Background(), CatalogItemInput{Code: "X", Name: "x"})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "default_price" {
		t.Errorf("expected default_price ValidationError, got %v", err)
	}
}

func TestCreateCatalogItem_DuplicateCode(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.CreateCatalogItem(ctx, CatalogItemInput{
		Code: "CONS", Name: "Consultation", DefaultPrice: pdec("50.00"),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.CreateCatalogItem(ctx, CatalogItemInput{
		Code: "CONS", Name: "Another consultation", DefaultPrice: pdec("60.00"),
	})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Errorf("expected ConflictError for duplicate code, got %v", err)
	}
}

func TestCreateInvoice_FillsLineFromCatalog(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	item, err := f.svc.CreateCatalogItem(ctx, CatalogItemInput{
		Code: "CONS", Name: "Consultation", DefaultPrice: pdec("50.00"),
	})
	if err != nil {
		t.Fatal(err)
	}

	inv, err := f.svc.CreateInvoice(ctx, CreateInvoiceInput{
		PatientID: uuid.New(),
		LineItems: []LineItemDraft{{CatalogItemID: &item.ID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inv.Total.Equal(dec("100.00")) {
		t.Errorf("total = %s, want 100.00 from catalog price", inv.Total)
	}

	lines, _ := f.invoices.GetLineItems(ctx, inv.ID)
	if lines[0].Description != "Consultation" {
		t.Errorf("description = %q, want catalog name", lines[0].Description)
	}
}

func TestCreateInvoice_RejectsInactiveCatalogItem(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	inactive := false
	item, err := f.svc.CreateCatalogItem(ctx, CatalogItemInput{
		Code: "OLD", Name: "Retired service", DefaultPrice: pdec("10.00"), Active: &inactive,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.CreateInvoice(ctx, CreateInvoiceInput{
		PatientID: uuid.New(),
		LineItems: []LineItemDraft{{CatalogItemID: &item.ID, Quantity: 1}},
	})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "catalog_item_id" {
		t.Errorf("expected catalog_item_id ValidationError, got %v", err)
	}
}

// -- notifications --

func TestMutationsInvalidateCache(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.issuedInvoice(t)

	before := len(f.invalidator.calls)
	if _, err := f.svc.RecordPayment(ctx, inv.ID, RecordPaymentInput{Amount: dec("10.00"), Method: "cash"}); err != nil {
		t.Fatal(err)
	}
	if len(f.invalidator.calls) != before+1 {
		t.Fatalf("expected exactly one invalidation per mutation, got %d", len(f.invalidator.calls)-before)
	}

	paths := f.invalidator.calls[len(f.invalidator.calls)-1]
	wantPath := "/api/v1/invoices/" + inv.ID.String()
	found := false
	for _, p := range paths {
		if p == wantPath {
			found = true
		}
	}
	if !found {
		t.Errorf("expected invalidation of %s, got %v", wantPath, paths)
	}
}
