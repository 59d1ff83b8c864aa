package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clinova/clinova/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func pickConn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// =========== Invoice Repository ===========

type invoiceRepoPG struct{ pool *pgxpool.Pool }

func NewInvoiceRepoPG(pool *pgxpool.Pool) InvoiceRepository { return &invoiceRepoPG{pool: pool} }

func (r *invoiceRepoPG) conn(ctx context.Context) queryable { return pickConn(ctx, r.pool) }

const invoiceCols = `id, number, patient_id, visit_id, issued_date, due_date,
	subtotal, tax, discount, total, status, notes, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.Number, &inv.PatientID, &inv.VisitID, &inv.IssuedDate, &inv.DueDate,
		&inv.Subtotal, &inv.Tax, &inv.Discount, &inv.Total, &inv.Status, &inv.Notes,
		&inv.CreatedAt, &inv.UpdatedAt)
	return &inv, err
}

func (r *invoiceRepoPG) Create(ctx context.Context, inv *Invoice, lines []*InvoiceLineItem) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	q := r.conn(ctx)
	_, err := q.Exec(ctx, `
		INSERT INTO invoices (id, number, patient_id, visit_id, issued_date, due_date,
			subtotal, tax, discount, total, status, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		inv.ID, inv.Number, inv.PatientID, inv.VisitID, inv.IssuedDate, inv.DueDate,
		inv.Subtotal, inv.Tax, inv.Discount, inv.Total, inv.Status, inv.Notes)
	if err != nil {
		return newPersistenceError("insert invoice", err)
	}
	for i, li := range lines {
		if li.ID == uuid.Nil {
			li.ID = uuid.New()
		}
		li.InvoiceID = inv.ID
		li.Sequence = i + 1
		_, err := q.Exec(ctx, `
			INSERT INTO invoice_line_items (id, invoice_id, sequence, catalog_item_id,
				description, quantity, unit_price, discount_amount, tax_amount, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			li.ID, li.InvoiceID, li.Sequence, li.CatalogItemID,
			li.Description, li.Quantity, li.UnitPrice, li.DiscountAmount, li.TaxAmount, li.LineTotal)
		if err != nil {
			return newPersistenceError("insert invoice line item", err)
		}
	}
	return nil
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, newNotFoundError("invoice", id.String())
	}
	if err != nil {
		return nil, newPersistenceError("get invoice", err)
	}
	return inv, nil
}

func (r *invoiceRepoPG) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, newNotFoundError("invoice", id.String())
	}
	if err != nil {
		return nil, newPersistenceError("lock invoice", err)
	}
	return inv, nil
}

func (r *invoiceRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status InvoiceStatus, issuedDate *time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoices SET status = $2, issued_date = COALESCE($3, issued_date), updated_at = NOW()
		WHERE id = $1`, id, status, issuedDate)
	if err != nil {
		return newPersistenceError("update invoice status", err)
	}
	if tag.RowsAffected() == 0 {
		return newNotFoundError("invoice", id.String())
	}
	return nil
}

func (r *invoiceRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	// Line items cascade via the schema's FK.
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM invoices WHERE id = $1`, id)
	if err != nil {
		return newPersistenceError("delete invoice", err)
	}
	if tag.RowsAffected() == 0 {
		return newNotFoundError("invoice", id.String())
	}
	return nil
}

func (r *invoiceRepoPG) GetLineItems(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceLineItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, invoice_id, sequence, catalog_item_id, description, quantity,
			unit_price, discount_amount, tax_amount, line_total
		FROM invoice_line_items WHERE invoice_id = $1 ORDER BY sequence`, invoiceID)
	if err != nil {
		return nil, newPersistenceError("list invoice line items", err)
	}
	defer rows.Close()
	var items []*InvoiceLineItem
	for rows.Next() {
		var li InvoiceLineItem
		if err := rows.Scan(&li.ID, &li.InvoiceID, &li.Sequence, &li.CatalogItemID, &li.Description,
			&li.Quantity, &li.UnitPrice, &li.DiscountAmount, &li.TaxAmount, &li.LineTotal); err != nil {
			return nil, newPersistenceError("scan invoice line item", err)
		}
		items = append(items, &li)
	}
	return items, rows.Err()
}

func (r *invoiceRepoPG) listInvoices(ctx context.Context, where string, arg interface{}, limit, offset int) ([]*Invoice, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE `+where, arg).Scan(&total); err != nil {
		return nil, 0, newPersistenceError("count invoices", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE `+where+`
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, arg, limit, offset)
	if err != nil {
		return nil, 0, newPersistenceError("list invoices", err)
	}
	defer rows.Close()
	var items []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, newPersistenceError("scan invoice", err)
		}
		items = append(items, inv)
	}
	return items, total, rows.Err()
}

func (r *invoiceRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	return r.listInvoices(ctx, `patient_id = $1`, patientID, limit, offset)
}

func (r *invoiceRepoPG) ListByStatus(ctx context.Context, status InvoiceStatus, limit, offset int) ([]*Invoice, int, error) {
	return r.listInvoices(ctx, `status = $1`, status, limit, offset)
}

func (r *invoiceRepoPG) NextNumber(ctx context.Context) (string, error) {
	var n int64
	if err := r.conn(ctx).QueryRow(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&n); err != nil {
		return "", newPersistenceError("next invoice number", err)
	}
	return fmt.Sprintf("INV-%06d", n), nil
}

func (r *invoiceRepoPG) MarkOverdue(ctx context.Context, asOf time.Time) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE invoices SET status = $1, updated_at = NOW()
		WHERE status = $2 AND due_date IS NOT NULL AND due_date < $3
		RETURNING id`, StatusOverdue, StatusIssued, asOf)
	if err != nil {
		return nil, newPersistenceError("mark invoices overdue", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, newPersistenceError("scan overdue invoice id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *invoiceRepoPG) SummaryByPatient(ctx context.Context, patientID uuid.UUID) (*PatientSummary, error) {
	s := PatientSummary{PatientID: patientID}
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(i.id),
			COALESCE(SUM(i.total), 0),
			COALESCE(SUM(p.paid), 0)
		FROM invoices i
		LEFT JOIN LATERAL (
			SELECT SUM(amount) AS paid FROM payments WHERE invoice_id = i.id
		) p ON true
		WHERE i.patient_id = $1 AND i.status NOT IN ($2, $3)`,
		patientID, StatusDraft, StatusCancelled).
		Scan(&s.InvoiceCount, &s.TotalBilled, &s.TotalPaid)
	if err != nil {
		return nil, newPersistenceError("patient billing summary", err)
	}
	s.TotalOutstanding = s.TotalBilled.Sub(s.TotalPaid)
	if s.TotalOutstanding.IsNegative() {
		s.TotalOutstanding = decimal.Zero
	}
	return &s, nil
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pool: pool} }

func (r *paymentRepoPG) conn(ctx context.Context) queryable { return pickConn(ctx, r.pool) }

const paymentCols = `id, invoice_id, paid_at, amount, method, reference, notes, created_by, created_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.InvoiceID, &p.PaidAt, &p.Amount, &p.Method, &p.Reference,
		&p.Notes, &p.CreatedBy, &p.CreatedAt)
	return &p, err
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payments (id, invoice_id, paid_at, amount, method, reference, notes, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.InvoiceID, p.PaidAt, p.Amount, p.Method, p.Reference, p.Notes, p.CreatedBy)
	if err != nil {
		return newPersistenceError("insert payment", err)
	}
	return nil
}

func (r *paymentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, newNotFoundError("payment", id.String())
	}
	if err != nil {
		return nil, newPersistenceError("get payment", err)
	}
	return p, nil
}

func (r *paymentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM payments WHERE id = $1`, id)
	if err != nil {
		return newPersistenceError("delete payment", err)
	}
	if tag.RowsAffected() == 0 {
		return newNotFoundError("payment", id.String())
	}
	return nil
}

func (r *paymentRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+paymentCols+` FROM payments
		WHERE invoice_id = $1 ORDER BY paid_at, created_at`, invoiceID)
	if err != nil {
		return nil, newPersistenceError("list payments", err)
	}
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, newPersistenceError("scan payment", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *paymentRepoPG) TotalPaid(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM payments WHERE invoice_id = $1`, invoiceID).Scan(&total)
	if err != nil {
		return decimal.Zero, newPersistenceError("sum payments", err)
	}
	return total, nil
}

// =========== Claim Repository ===========

type claimRepoPG struct{ pool *pgxpool.Pool }

func NewClaimRepoPG(pool *pgxpool.Pool) ClaimRepository { return &claimRepoPG{pool: pool} }

func (r *claimRepoPG) conn(ctx context.Context) queryable { return pickConn(ctx, r.pool) }

const claimCols = `id, invoice_id, provider, policy_number, claim_number, claim_date,
	claim_amount, status, approved_amount, denial_reason, notes, created_at, updated_at`

func scanClaim(row pgx.Row) (*InsuranceClaim, error) {
	var c InsuranceClaim
	err := row.Scan(&c.ID, &c.InvoiceID, &c.Provider, &c.PolicyNumber, &c.ClaimNumber, &c.ClaimDate,
		&c.ClaimAmount, &c.Status, &c.ApprovedAmount, &c.DenialReason, &c.Notes,
		&c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func (r *claimRepoPG) Create(ctx context.Context, c *InsuranceClaim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO insurance_claims (id, invoice_id, provider, policy_number, claim_number,
			claim_date, claim_amount, status, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, c.InvoiceID, c.Provider, c.PolicyNumber, c.ClaimNumber,
		c.ClaimDate, c.ClaimAmount, c.Status, c.Notes)
	if err != nil {
		return newPersistenceError("insert insurance claim", err)
	}
	return nil
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*InsuranceClaim, error) {
	c, err := scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM insurance_claims WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, newNotFoundError("insurance claim", id.String())
	}
	if err != nil {
		return nil, newPersistenceError("get insurance claim", err)
	}
	return c, nil
}

func (r *claimRepoPG) Update(ctx context.Context, c *InsuranceClaim) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE insurance_claims SET status = $2, approved_amount = $3, denial_reason = $4, updated_at = NOW()
		WHERE id = $1`, c.ID, c.Status, c.ApprovedAmount, c.DenialReason)
	if err != nil {
		return newPersistenceError("update insurance claim", err)
	}
	if tag.RowsAffected() == 0 {
		return newNotFoundError("insurance claim", c.ID.String())
	}
	return nil
}

func (r *claimRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*InsuranceClaim, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+claimCols+` FROM insurance_claims
		WHERE invoice_id = $1 ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, newPersistenceError("list insurance claims", err)
	}
	defer rows.Close()
	var items []*InsuranceClaim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, newPersistenceError("scan insurance claim", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *claimRepoPG) HasSubmitted(ctx context.Context, invoiceID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM insurance_claims WHERE invoice_id = $1 AND status = $2)`,
		invoiceID, ClaimSubmitted).Scan(&exists)
	if err != nil {
		return false, newPersistenceError("check submitted claims", err)
	}
	return exists, nil
}

func (r *claimRepoPG) HasSubmittedExcluding(ctx context.Context, invoiceID, claimID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM insurance_claims WHERE invoice_id = $1 AND status = $2 AND id <> $3)`,
		invoiceID, ClaimSubmitted, claimID).Scan(&exists)
	if err != nil {
		return false, newPersistenceError("check submitted claims", err)
	}
	return exists, nil
}

// =========== Catalog Repository ===========

type catalogRepoPG struct{ pool *pgxpool.Pool }

func NewCatalogRepoPG(pool *pgxpool.Pool) CatalogRepository { return &catalogRepoPG{pool: pool} }

func (r *catalogRepoPG) conn(ctx context.Context) queryable { return pickConn(ctx, r.pool) }

const catalogCols = `id, code, name, category, default_price, active, created_at, updated_at`

func scanCatalogItem(row pgx.Row) (*CatalogItem, error) {
	var item CatalogItem
	err := row.Scan(&item.ID, &item.Code, &item.Name, &item.Category, &item.DefaultPrice,
		&item.Active, &item.CreatedAt, &item.UpdatedAt)
	return &item, err
}

func (r *catalogRepoPG) Create(ctx context.Context, item *CatalogItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO billing_catalog_items (id, code, name, category, default_price, active)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		item.ID, item.Code, item.Name, item.Category, item.DefaultPrice, item.Active)
	if err != nil {
		return newPersistenceError("insert catalog item", err)
	}
	return nil
}

func (r *catalogRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*CatalogItem, error) {
	item, err := scanCatalogItem(r.conn(ctx).QueryRow(ctx, `SELECT `+catalogCols+` FROM billing_catalog_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, newNotFoundError("catalog item", id.String())
	}
	if err != nil {
		return nil, newPersistenceError("get catalog item", err)
	}
	return item, nil
}

func (r *catalogRepoPG) GetByCode(ctx context.Context, code string) (*CatalogItem, error) {
	item, err := scanCatalogItem(r.conn(ctx).QueryRow(ctx, `SELECT `+catalogCols+` FROM billing_catalog_items WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, newNotFoundError("catalog item", code)
	}
	if err != nil {
		return nil, newPersistenceError("get catalog item by code", err)
	}
	return item, nil
}

func (r *catalogRepoPG) Update(ctx context.Context, item *CatalogItem) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE billing_catalog_items SET code = $2, name = $3, category = $4,
			default_price = $5, active = $6, updated_at = NOW()
		WHERE id = $1`,
		item.ID, item.Code, item.Name, item.Category, item.DefaultPrice, item.Active)
	if err != nil {
		return newPersistenceError("update catalog item", err)
	}
	if tag.RowsAffected() == 0 {
		return newNotFoundError("catalog item", item.ID.String())
	}
	return nil
}

func (r *catalogRepoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*CatalogItem, int, error) {
	where := `TRUE`
	if activeOnly {
		where = `active`
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM billing_catalog_items WHERE `+where).Scan(&total); err != nil {
		return nil, 0, newPersistenceError("count catalog items", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+catalogCols+` FROM billing_catalog_items WHERE `+where+`
		ORDER BY code LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, newPersistenceError("list catalog items", err)
	}
	defer rows.Close()
	var items []*CatalogItem
	for rows.Next() {
		item, err := scanCatalogItem(rows)
		if err != nil {
			return nil, 0, newPersistenceError("scan catalog item", err)
		}
		items = append(items, item)
	}
	return items, total, rows.Err()
}

func (r *catalogRepoPG) IsReferenced(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM invoice_line_items WHERE catalog_item_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, newPersistenceError("check catalog item references", err)
	}
	return exists, nil
}
