package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InvoiceRepository interface {
	// Create persists the invoice and its line items as one unit.
	Create(ctx context.Context, inv *Invoice, lines []*InvoiceLineItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// GetByIDForUpdate locks the invoice row for the enclosing transaction,
	// serializing concurrent mutations of the same invoice.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status InvoiceStatus, issuedDate *time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	GetLineItems(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceLineItem, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error)
	ListByStatus(ctx context.Context, status InvoiceStatus, limit, offset int) ([]*Invoice, int, error)
	// NextNumber reserves the next invoice number.
	NextNumber(ctx context.Context) (string, error)
	// MarkOverdue moves issued invoices past their due date to overdue and
	// returns the ids it changed.
	MarkOverdue(ctx context.Context, asOf time.Time) ([]uuid.UUID, error)
	SummaryByPatient(ctx context.Context, patientID uuid.UUID) (*PatientSummary, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
	// TotalPaid sums the recorded payments for the invoice.
	TotalPaid(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error)
}

type ClaimRepository interface {
	Create(ctx context.Context, c *InsuranceClaim) error
	GetByID(ctx context.Context, id uuid.UUID) (*InsuranceClaim, error)
	Update(ctx context.Context, c *InsuranceClaim) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*InsuranceClaim, error)
	HasSubmitted(ctx context.Context, invoiceID uuid.UUID) (bool, error)
	// HasSubmittedExcluding ignores the given claim, used while resolving it.
	HasSubmittedExcluding(ctx context.Context, invoiceID, claimID uuid.UUID) (bool, error)
}

type CatalogRepository interface {
	Create(ctx context.Context, item *CatalogItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*CatalogItem, error)
	GetByCode(ctx context.Context, code string) (*CatalogItem, error)
	Update(ctx context.Context, item *CatalogItem) error
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*CatalogItem, int, error)
	// IsReferenced reports whether any invoice line points at the item.
	IsReferenced(ctx context.Context, id uuid.UUID) (bool, error)
}
