package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinova/clinova/internal/platform/audit"
	"github.com/clinova/clinova/internal/platform/auth"
	"github.com/clinova/clinova/internal/platform/cache"
)

// TxRunner is the unit-of-work boundary. Every multi-write operation runs
// through it so a reader never observes totals and status out of sync.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	invoices    InvoiceRepository
	payments    PaymentRepository
	claims      ClaimRepository
	catalog     CatalogRepository
	tx          TxRunner
	audit       audit.Sink
	invalidator cache.Invalidator
	logger      zerolog.Logger
}

func NewService(inv InvoiceRepository, pay PaymentRepository, cl ClaimRepository, cat CatalogRepository,
	tx TxRunner, sink audit.Sink, invalidator cache.Invalidator, logger zerolog.Logger) *Service {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if invalidator == nil {
		invalidator = cache.NopInvalidator{}
	}
	return &Service{
		invoices:    inv,
		payments:    pay,
		claims:      cl,
		catalog:     cat,
		tx:          tx,
		audit:       sink,
		invalidator: invalidator,
		logger:      logger.With().Str("component", "billing").Logger(),
	}
}

// notify runs after a successful commit: one audit event and one cache
// invalidation covering every path the mutation affected. Both are
// best-effort and never fail the operation.
func (s *Service) notify(ctx context.Context, action, entityType string, entityID uuid.UUID, detail map[string]interface{}, paths []string) {
	s.audit.Record(ctx, audit.Event{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID.String(),
		ActorID:    auth.UserIDFromContext(ctx),
		Detail:     detail,
	})
	s.invalidator.Invalidate(ctx, paths)
}

func invoicePaths(inv *Invoice) []string {
	return []string{
		"/api/v1/invoices/" + inv.ID.String(),
		"/api/v1/invoices",
		"/api/v1/patients/" + inv.PatientID.String() + "/billing-summary",
	}
}

// -- Invoices --

type CreateInvoiceInput struct {
	PatientID uuid.UUID       `json:"patient_id"`
	VisitID   *uuid.UUID      `json:"visit_id,omitempty"`
	DueDate   *time.Time      `json:"due_date,omitempty"`
	Notes     *string         `json:"notes,omitempty"`
	LineItems []LineItemDraft `json:"line_items"`
}

// CreateInvoice computes totals from the drafts and persists the invoice with
// its line items as one unit, in draft status.
func (s *Service) CreateInvoice(ctx context.Context, in CreateInvoiceInput) (*Invoice, error) {
	if in.PatientID == uuid.Nil {
		return nil, newValidationError("patient_id", "is required")
	}
	if err := s.fillFromCatalog(ctx, in.LineItems); err != nil {
		return nil, err
	}
	lines, totals, err := CalculateTotals(in.LineItems)
	if err != nil {
		return nil, err
	}

	inv := &Invoice{
		PatientID: in.PatientID,
		VisitID:   in.VisitID,
		DueDate:   in.DueDate,
		Subtotal:  totals.Subtotal,
		Tax:       totals.Tax,
		Discount:  totals.Discount,
		Total:     totals.Total,
		Status:    StatusDraft,
		Notes:     in.Notes,
	}

	items := make([]*InvoiceLineItem, len(lines))
	for i, l := range lines {
		items[i] = &InvoiceLineItem{
			CatalogItemID:  l.CatalogItemID,
			Description:    l.Description,
			Quantity:       l.Quantity,
			UnitPrice:      l.UnitPrice,
			DiscountAmount: l.DiscountAmount,
			TaxAmount:      l.TaxAmount,
			LineTotal:      l.LineTotal,
		}
	}

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		number, err := s.invoices.NextNumber(ctx)
		if err != nil {
			return err
		}
		inv.Number = number
		return s.invoices.Create(ctx, inv, items)
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, "invoice.create", "invoice", inv.ID,
		map[string]interface{}{"number": inv.Number, "total": inv.Total}, invoicePaths(inv))
	return inv, nil
}

// fillFromCatalog resolves catalog-backed lines: the item must exist and be
// active, and supplies the description and unit price when the draft leaves
// them empty.
func (s *Service) fillFromCatalog(ctx context.Context, drafts []LineItemDraft) error {
	for i := range drafts {
		d := &drafts[i]
		if d.CatalogItemID == nil {
			continue
		}
		item, err := s.catalog.GetByID(ctx, *d.CatalogItemID)
		if err != nil {
			return err
		}
		if !item.Active {
			return newLineValidationError(i, "catalog_item_id", "catalog item is inactive")
		}
		if d.Description == "" {
			d.Description = item.Name
		}
		if d.UnitPrice.IsZero() {
			d.UnitPrice = item.DefaultPrice
		}
	}
	return nil
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*InvoiceDetail, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	lines, err := s.invoices.GetLineItems(ctx, id)
	if err != nil {
		return nil, err
	}
	pays, err := s.payments.ListByInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	claims, err := s.claims.ListByInvoice(ctx, id)
	if err != nil {
		return nil, err
	}

	paid := decimal.Zero
	for _, p := range pays {
		paid = paid.Add(p.Amount)
	}
	due := inv.Total.Sub(paid)
	if due.IsNegative() {
		due = decimal.Zero
	}

	return &InvoiceDetail{
		Invoice:    *inv,
		LineItems:  lines,
		Payments:   pays,
		Claims:     claims,
		AmountPaid: paid,
		BalanceDue: due,
	}, nil
}

func (s *Service) ListInvoicesByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	return s.invoices.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListInvoicesByStatus(ctx context.Context, status InvoiceStatus, limit, offset int) ([]*Invoice, int, error) {
	if !status.Valid() {
		return nil, 0, newValidationError("status", fmt.Sprintf("unknown status %q", status))
	}
	return s.invoices.ListByStatus(ctx, status, limit, offset)
}

// IssueInvoice moves a draft invoice to issued and stamps the issued date.
func (s *Service) IssueInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var inv *Invoice
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status != StatusDraft {
			return newConflictError(fmt.Sprintf("cannot issue invoice in status %q", inv.Status))
		}
		now := time.Now().UTC()
		inv.Status = StatusIssued
		inv.IssuedDate = &now
		return s.invoices.UpdateStatus(ctx, id, StatusIssued, &now)
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, "invoice.issue", "invoice", inv.ID, nil, invoicePaths(inv))
	return inv, nil
}

// CancelInvoice moves a draft or issued invoice to cancelled.
func (s *Service) CancelInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var inv *Invoice
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status != StatusDraft && inv.Status != StatusIssued {
			return newConflictError(fmt.Sprintf("cannot cancel invoice in status %q", inv.Status))
		}
		inv.Status = StatusCancelled
		return s.invoices.UpdateStatus(ctx, id, StatusCancelled, nil)
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, "invoice.cancel", "invoice", inv.ID, nil, invoicePaths(inv))
	return inv, nil
}

// DeleteInvoice removes a draft invoice and its line items. Non-draft
// invoices cannot be deleted; cancel is the supported path.
func (s *Service) DeleteInvoice(ctx context.Context, id uuid.UUID) error {
	var inv *Invoice
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status != StatusDraft {
			return newConflictError("only draft invoices can be deleted")
		}
		return s.invoices.Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	s.notify(ctx, "invoice.delete", "invoice", id, nil, invoicePaths(inv))
	return nil
}

// MarkOverdue moves issued invoices past their due date to overdue. Called
// by the external scheduler; the status resolver itself never derives
// overdue.
func (s *Service) MarkOverdue(ctx context.Context, asOf time.Time) (int, error) {
	var ids []uuid.UUID
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		ids, err = s.invoices.MarkOverdue(ctx, asOf)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		paths := make([]string, 0, len(ids)+1)
		paths = append(paths, "/api/v1/invoices")
		for _, id := range ids {
			paths = append(paths, "/api/v1/invoices/"+id.String())
		}
		s.invalidator.Invalidate(ctx, paths)
		s.logger.Info().Int("count", len(ids)).Time("as_of", asOf).Msg("invoices marked overdue")
	}
	return len(ids), nil
}

func (s *Service) PatientSummary(ctx context.Context, patientID uuid.UUID) (*PatientSummary, error) {
	return s.invoices.SummaryByPatient(ctx, patientID)
}

// -- Payments --

type RecordPaymentInput struct {
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Reference *string         `json:"reference,omitempty"`
	Notes     *string         `json:"notes,omitempty"`
	PaidAt    *time.Time      `json:"paid_at,omitempty"`
}

// RecordPayment applies a payment against the invoice's remaining balance
// and re-resolves the invoice status, all inside one transaction with the
// invoice row locked.
func (s *Service) RecordPayment(ctx context.Context, invoiceID uuid.UUID, in RecordPaymentInput) (*Payment, error) {
	if !in.Amount.IsPositive() {
		return nil, newValidationError("amount", "must be positive")
	}
	if in.Method == "" {
		return nil, newValidationError("method", "is required")
	}

	payment := &Payment{
		InvoiceID: invoiceID,
		Amount:    roundMoney(in.Amount),
		Method:    in.Method,
		Reference: in.Reference,
		Notes:     in.Notes,
		CreatedBy: auth.UserIDFromContext(ctx),
	}
	if in.PaidAt != nil {
		payment.PaidAt = *in.PaidAt
	}

	var inv *Invoice
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.GetByIDForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.acceptsCharges() {
			return newConflictError(fmt.Sprintf("cannot record payment on invoice in status %q", inv.Status))
		}

		totalPaid, err := s.payments.TotalPaid(ctx, invoiceID)
		if err != nil {
			return err
		}
		remaining := inv.Total.Sub(totalPaid)
		if exceedsBalance(payment.Amount, remaining) {
			return newOverdrawError(remaining)
		}

		if err := s.payments.Create(ctx, payment); err != nil {
			return err
		}

		return s.resolveAndPersistStatus(ctx, inv, totalPaid.Add(payment.Amount))
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, "payment.record", "payment", payment.ID,
		map[string]interface{}{"invoice_id": invoiceID, "amount": payment.Amount, "method": payment.Method},
		invoicePaths(inv))
	return payment, nil
}

// ReversePayment removes a payment and re-resolves the invoice status from
// the remaining set. Reversing an already-reversed payment is a
// NotFoundError, not a silent success.
func (s *Service) ReversePayment(ctx context.Context, paymentID uuid.UUID) error {
	var inv *Invoice
	var payment *Payment
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		payment, err = s.payments.GetByID(ctx, paymentID)
		if err != nil {
			return err
		}
		inv, err = s.invoices.GetByIDForUpdate(ctx, payment.InvoiceID)
		if err != nil {
			return err
		}
		if err := s.payments.Delete(ctx, paymentID); err != nil {
			return err
		}

		totalPaid, err := s.payments.TotalPaid(ctx, payment.InvoiceID)
		if err != nil {
			return err
		}
		return s.resolveAndPersistStatus(ctx, inv, totalPaid)
	})
	if err != nil {
		return err
	}

	s.notify(ctx, "payment.reverse", "payment", paymentID,
		map[string]interface{}{"invoice_id": payment.InvoiceID, "amount": payment.Amount},
		invoicePaths(inv))
	return nil
}

// resolveAndPersistStatus recomputes the invoice status from the given paid
// total and the claim state, persisting only on change. Must run inside the
// caller's transaction with the invoice row locked.
func (s *Service) resolveAndPersistStatus(ctx context.Context, inv *Invoice, totalPaid decimal.Decimal) error {
	hasPending, err := s.claims.HasSubmitted(ctx, inv.ID)
	if err != nil {
		return err
	}
	next := ResolveStatus(inv.Total, totalPaid, hasPending, inv.Status)
	if next == inv.Status {
		return nil
	}
	if err := s.invoices.UpdateStatus(ctx, inv.ID, next, nil); err != nil {
		return err
	}
	inv.Status = next
	return nil
}

// -- Insurance claims --

type SubmitClaimInput struct {
	Provider     string          `json:"provider"`
	PolicyNumber string          `json:"policy_number"`
	ClaimNumber  *string         `json:"claim_number,omitempty"`
	ClaimDate    *time.Time      `json:"claim_date,omitempty"`
	ClaimAmount  decimal.Decimal `json:"claim_amount"`
	Notes        *string         `json:"notes,omitempty"`
}

// SubmitClaim records a submitted claim and forces the invoice to
// insurance_pending regardless of prior payment state.
func (s *Service) SubmitClaim(ctx context.Context, invoiceID uuid.UUID, in SubmitClaimInput) (*InsuranceClaim, error) {
	if in.Provider == "" {
		return nil, newValidationError("provider", "is required")
	}
	if in.PolicyNumber == "" {
		return nil, newValidationError("policy_number", "is required")
	}
	if !in.ClaimAmount.IsPositive() {
		return nil, newValidationError("claim_amount", "must be positive")
	}

	claim := &InsuranceClaim{
		InvoiceID:    invoiceID,
		Provider:     in.Provider,
		PolicyNumber: in.PolicyNumber,
		ClaimNumber:  in.ClaimNumber,
		ClaimAmount:  roundMoney(in.ClaimAmount),
		Status:       ClaimSubmitted,
		Notes:        in.Notes,
	}
	if in.ClaimDate != nil {
		claim.ClaimDate = *in.ClaimDate
	} else {
		claim.ClaimDate = time.Now().UTC()
	}

	var inv *Invoice
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.GetByIDForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.acceptsCharges() {
			return newConflictError(fmt.Sprintf("cannot submit claim on invoice in status %q", inv.Status))
		}

		active, err := s.claims.HasSubmitted(ctx, invoiceID)
		if err != nil {
			return err
		}
		if active {
			// Allowed, but claim amounts are never summed against the total.
			s.logger.Warn().Str("invoice_id", invoiceID.String()).Msg("submitting claim while another is active")
		}

		if err := s.claims.Create(ctx, claim); err != nil {
			return err
		}
		if inv.Status != StatusInsurancePending {
			if err := s.invoices.UpdateStatus(ctx, inv.ID, StatusInsurancePending, nil); err != nil {
				return err
			}
			inv.Status = StatusInsurancePending
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, "claim.submit", "insurance_claim", claim.ID,
		map[string]interface{}{"invoice_id": invoiceID, "provider": claim.Provider, "claim_amount": claim.ClaimAmount},
		invoicePaths(inv))
	return claim, nil
}

type ResolveClaimInput struct {
	Outcome        string           `json:"outcome"`
	ApprovedAmount *decimal.Decimal `json:"approved_amount,omitempty"`
	DenialReason   *string          `json:"denial_reason,omitempty"`
}

// ResolveClaim settles a submitted claim. Approval creates exactly one
// synthetic insurance payment for the approved amount; denial records the
// reason. Either way the invoice status is re-resolved from the current paid
// total, so a partial cash payment made before the claim survives a denial
// as partially_paid.
func (s *Service) ResolveClaim(ctx context.Context, claimID uuid.UUID, in ResolveClaimInput) (*InsuranceClaim, error) {
	switch in.Outcome {
	case "approved":
		if in.ApprovedAmount == nil || !in.ApprovedAmount.IsPositive() {
			return nil, newValidationError("approved_amount", "must be positive for an approved claim")
		}
	case "denied":
		if in.DenialReason == nil || *in.DenialReason == "" {
			return nil, newValidationError("denial_reason", "is required for a denied claim")
		}
	default:
		return nil, newValidationError("outcome", `must be "approved" or "denied"`)
	}

	var claim *InsuranceClaim
	var inv *Invoice
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		claim, err = s.claims.GetByID(ctx, claimID)
		if err != nil {
			return err
		}
		if claim.Status != ClaimSubmitted {
			return newConflictError(fmt.Sprintf("claim already resolved as %q", claim.Status))
		}
		inv, err = s.invoices.GetByIDForUpdate(ctx, claim.InvoiceID)
		if err != nil {
			return err
		}

		totalPaid, err := s.payments.TotalPaid(ctx, claim.InvoiceID)
		if err != nil {
			return err
		}

		if in.Outcome == "approved" {
			amount := roundMoney(*in.ApprovedAmount)
			// The synthetic payment obeys the same balance rule as a cash one.
			remaining := inv.Total.Sub(totalPaid)
			if exceedsBalance(amount, remaining) {
				return newOverdrawError(remaining)
			}
			claim.Status = ClaimApproved
			claim.ApprovedAmount = &amount

			reference := "claim:" + claim.ID.String()
			if claim.ClaimNumber != nil && *claim.ClaimNumber != "" {
				reference = "claim:" + *claim.ClaimNumber
			}
			if err := s.payments.Create(ctx, &Payment{
				InvoiceID: claim.InvoiceID,
				Amount:    amount,
				Method:    PaymentMethodInsurance,
				Reference: &reference,
				CreatedBy: auth.UserIDFromContext(ctx),
			}); err != nil {
				return err
			}
			totalPaid = totalPaid.Add(amount)
		} else {
			claim.Status = ClaimDenied
			claim.DenialReason = in.DenialReason
		}

		if err := s.claims.Update(ctx, claim); err != nil {
			return err
		}
		hasPending, err := s.claims.HasSubmittedExcluding(ctx, claim.InvoiceID, claim.ID)
		if err != nil {
			return err
		}
		next := ResolveStatus(inv.Total, totalPaid, hasPending, inv.Status)
		if next != inv.Status {
			if err := s.invoices.UpdateStatus(ctx, inv.ID, next, nil); err != nil {
				return err
			}
			inv.Status = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, "claim."+in.Outcome, "insurance_claim", claim.ID,
		map[string]interface{}{"invoice_id": claim.InvoiceID, "outcome": in.Outcome},
		invoicePaths(inv))
	return claim, nil
}

// -- Catalog --

type CatalogItemInput struct {
	Code         string           `json:"code"`
	Name         string           `json:"name"`
	Category     *string          `json:"category,omitempty"`
	DefaultPrice *decimal.Decimal `json:"default_price,omitempty"`
	Active       *bool            `json:"active,omitempty"`
}

func (s *Service) CreateCatalogItem(ctx context.Context, in CatalogItemInput) (*CatalogItem, error) {
	if in.Code == "" {
		return nil, newValidationError("code", "is required")
	}
	if in.Name == "" {
		return nil, newValidationError("name", "is required")
	}
	if in.DefaultPrice == nil {
		return nil, newValidationError("default_price", "is required")
	}
	if in.DefaultPrice.IsNegative() {
		return nil, newValidationError("default_price", "must not be negative")
	}
	_, err := s.catalog.GetByCode(ctx, in.Code)
	if err == nil {
		return nil, newConflictError(fmt.Sprintf("catalog item code %q already exists", in.Code))
	}
	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		return nil, err
	}

	item := &CatalogItem{
		Code:         in.Code,
		Name:         in.Name,
		Category:     in.Category,
		DefaultPrice: roundMoney(*in.DefaultPrice),
		Active:       true,
	}
	if in.Active != nil {
		item.Active = *in.Active
	}
	if err := s.catalog.Create(ctx, item); err != nil {
		return nil, err
	}

	s.notify(ctx, "catalog_item.create", "catalog_item", item.ID,
		map[string]interface{}{"code": item.Code}, []string{"/api/v1/catalog-items"})
	return item, nil
}

func (s *Service) GetCatalogItem(ctx context.Context, id uuid.UUID) (*CatalogItem, error) {
	return s.catalog.GetByID(ctx, id)
}

func (s *Service) ListCatalogItems(ctx context.Context, activeOnly bool, limit, offset int) ([]*CatalogItem, int, error) {
	return s.catalog.List(ctx, activeOnly, limit, offset)
}

// UpdateCatalogItem applies a partial update. Once the item is referenced by
// any invoice line only the active flag may change; edits to code, name, or
// price are rejected with a ConflictError.
func (s *Service) UpdateCatalogItem(ctx context.Context, id uuid.UUID, in CatalogItemInput) (*CatalogItem, error) {
	var item *CatalogItem
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		item, err = s.catalog.GetByID(ctx, id)
		if err != nil {
			return err
		}

		changed := (in.Code != "" && in.Code != item.Code) ||
			(in.Name != "" && in.Name != item.Name) ||
			(in.DefaultPrice != nil && !in.DefaultPrice.Equal(item.DefaultPrice))

		if changed {
			referenced, err := s.catalog.IsReferenced(ctx, id)
			if err != nil {
				return err
			}
			if referenced {
				return newConflictError("catalog item is referenced by an invoice; only the active flag may change")
			}
		}

		if in.Code != "" {
			item.Code = in.Code
		}
		if in.Name != "" {
			item.Name = in.Name
		}
		if in.Category != nil {
			item.Category = in.Category
		}
		if in.DefaultPrice != nil {
			if in.DefaultPrice.IsNegative() {
				return newValidationError("default_price", "must not be negative")
			}
			item.DefaultPrice = roundMoney(*in.DefaultPrice)
		}
		if in.Active != nil {
			item.Active = *in.Active
		}
		return s.catalog.Update(ctx, item)
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, "catalog_item.update", "catalog_item", item.ID,
		map[string]interface{}{"code": item.Code}, []string{"/api/v1/catalog-items"})
	return item, nil
}
