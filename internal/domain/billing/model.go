package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceStatus is the invoice state machine. draft, cancelled, and refunded
// only change through explicit operations; the remaining states are derived
// by ResolveStatus.
type InvoiceStatus string

const (
	StatusDraft            InvoiceStatus = "draft"
	StatusIssued           InvoiceStatus = "issued"
	StatusPartiallyPaid    InvoiceStatus = "partially_paid"
	StatusPaid             InvoiceStatus = "paid"
	StatusOverdue          InvoiceStatus = "overdue"
	StatusInsurancePending InvoiceStatus = "insurance_pending"
	StatusCancelled        InvoiceStatus = "cancelled"
	StatusRefunded         InvoiceStatus = "refunded"
)

var validInvoiceStatuses = map[InvoiceStatus]bool{
	StatusDraft: true, StatusIssued: true, StatusPartiallyPaid: true,
	StatusPaid: true, StatusOverdue: true, StatusInsurancePending: true,
	StatusCancelled: true, StatusRefunded: true,
}

func (s InvoiceStatus) Valid() bool { return validInvoiceStatuses[s] }

// acceptsCharges reports whether payments and claims may be applied. Draft
// invoices are not yet owed and cancelled/refunded ones never will be.
func (s InvoiceStatus) acceptsCharges() bool {
	switch s {
	case StatusDraft, StatusCancelled, StatusRefunded:
		return false
	}
	return true
}

// ClaimStatus is the insurance claim lifecycle.
type ClaimStatus string

const (
	ClaimSubmitted ClaimStatus = "submitted"
	ClaimApproved  ClaimStatus = "approved"
	ClaimDenied    ClaimStatus = "denied"
)

// Invoice is the billable aggregate for one visit, owning line items,
// payments, and claims. total = subtotal + tax - discount always holds.
type Invoice struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	Number     string          `db:"number" json:"number"`
	PatientID  uuid.UUID       `db:"patient_id" json:"patient_id"`
	VisitID    *uuid.UUID      `db:"visit_id" json:"visit_id,omitempty"`
	IssuedDate *time.Time      `db:"issued_date" json:"issued_date,omitempty"`
	DueDate    *time.Time      `db:"due_date" json:"due_date,omitempty"`
	Subtotal   decimal.Decimal `db:"subtotal" json:"subtotal"`
	Tax        decimal.Decimal `db:"tax" json:"tax"`
	Discount   decimal.Decimal `db:"discount" json:"discount"`
	Total      decimal.Decimal `db:"total" json:"total"`
	Status     InvoiceStatus   `db:"status" json:"status"`
	Notes      *string         `db:"notes" json:"notes,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// InvoiceLineItem is one billable charge on an invoice. Owned and destroyed
// with the invoice.
type InvoiceLineItem struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	InvoiceID      uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Sequence       int             `db:"sequence" json:"sequence"`
	CatalogItemID  *uuid.UUID      `db:"catalog_item_id" json:"catalog_item_id,omitempty"`
	Description    string          `db:"description" json:"description"`
	Quantity       int64           `db:"quantity" json:"quantity"`
	UnitPrice      decimal.Decimal `db:"unit_price" json:"unit_price"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	TaxAmount      decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	LineTotal      decimal.Decimal `db:"line_total" json:"line_total"`
}

// Payment is one settlement against an invoice. Append/delete only, never
// mutated in place.
type Payment struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	InvoiceID uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	PaidAt    time.Time       `db:"paid_at" json:"paid_at"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Method    string          `db:"method" json:"method"`
	Reference *string         `db:"reference" json:"reference,omitempty"`
	Notes     *string         `db:"notes" json:"notes,omitempty"`
	CreatedBy string          `db:"created_by" json:"created_by"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// PaymentMethodInsurance marks synthetic payments produced by approved
// claims.
const PaymentMethodInsurance = "insurance"

// InsuranceClaim is a reimbursement submission for one invoice.
type InsuranceClaim struct {
	ID             uuid.UUID        `db:"id" json:"id"`
	InvoiceID      uuid.UUID        `db:"invoice_id" json:"invoice_id"`
	Provider       string           `db:"provider" json:"provider"`
	PolicyNumber   string           `db:"policy_number" json:"policy_number"`
	ClaimNumber    *string          `db:"claim_number" json:"claim_number,omitempty"`
	ClaimDate      time.Time        `db:"claim_date" json:"claim_date"`
	ClaimAmount    decimal.Decimal  `db:"claim_amount" json:"claim_amount"`
	Status         ClaimStatus      `db:"status" json:"status"`
	ApprovedAmount *decimal.Decimal `db:"approved_amount" json:"approved_amount,omitempty"`
	DenialReason   *string          `db:"denial_reason" json:"denial_reason,omitempty"`
	Notes          *string          `db:"notes" json:"notes,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// CatalogItem is a reusable priced service or product. Once referenced by an
// invoice line only the active flag may change.
type CatalogItem struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	Code         string          `db:"code" json:"code"`
	Name         string          `db:"name" json:"name"`
	Category     *string         `db:"category" json:"category,omitempty"`
	DefaultPrice decimal.Decimal `db:"default_price" json:"default_price"`
	Active       bool            `db:"active" json:"active"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// InvoiceDetail is the read model for a single invoice with its children and
// the derived paid/due amounts.
type InvoiceDetail struct {
	Invoice
	LineItems  []*InvoiceLineItem `json:"line_items"`
	Payments   []*Payment         `json:"payments"`
	Claims     []*InsuranceClaim  `json:"claims"`
	AmountPaid decimal.Decimal    `json:"amount_paid"`
	BalanceDue decimal.Decimal    `json:"balance_due"`
}

// PatientSummary aggregates a patient's billing position.
type PatientSummary struct {
	PatientID        uuid.UUID       `json:"patient_id"`
	InvoiceCount     int             `json:"invoice_count"`
	TotalBilled      decimal.Decimal `json:"total_billed"`
	TotalPaid        decimal.Decimal `json:"total_paid"`
	TotalOutstanding decimal.Decimal `json:"total_outstanding"`
}
