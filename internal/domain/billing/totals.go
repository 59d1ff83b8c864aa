package billing

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// LineItemDraft is the validated input for one invoice line. Discount and
// tax may each be given as a percentage of the gross amount or as a fixed
// amount; a fixed amount wins when both are set.
type LineItemDraft struct {
	CatalogItemID   *uuid.UUID       `json:"catalog_item_id,omitempty"`
	Description     string           `json:"description"`
	Quantity        int64            `json:"quantity"`
	UnitPrice       decimal.Decimal  `json:"unit_price"`
	DiscountPercent *decimal.Decimal `json:"discount_percent,omitempty"`
	DiscountAmount  *decimal.Decimal `json:"discount_amount,omitempty"`
	TaxPercent      *decimal.Decimal `json:"tax_percent,omitempty"`
	TaxAmount       *decimal.Decimal `json:"tax_amount,omitempty"`
}

// ComputedLine is one line after discount/tax resolution and rounding.
type ComputedLine struct {
	CatalogItemID  *uuid.UUID
	Description    string
	Quantity       int64
	UnitPrice      decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	LineTotal      decimal.Decimal
}

// InvoiceTotals are the invoice-level sums of the computed lines.
// Total = Subtotal + Tax - Discount.
type InvoiceTotals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

func validateDraft(i int, d LineItemDraft) error {
	if d.Quantity <= 0 {
		return newLineValidationError(i, "quantity", "must be a positive integer")
	}
	if d.UnitPrice.IsNegative() {
		return newLineValidationError(i, "unit_price", "must not be negative")
	}
	if d.DiscountPercent != nil {
		if d.DiscountPercent.IsNegative() {
			return newLineValidationError(i, "discount_percent", "must not be negative")
		}
		if d.DiscountPercent.GreaterThan(hundred) {
			return newLineValidationError(i, "discount_percent", "must not exceed 100")
		}
	}
	if d.DiscountAmount != nil && d.DiscountAmount.IsNegative() {
		return newLineValidationError(i, "discount_amount", "must not be negative")
	}
	if d.TaxPercent != nil {
		if d.TaxPercent.IsNegative() {
			return newLineValidationError(i, "tax_percent", "must not be negative")
		}
		if d.TaxPercent.GreaterThan(hundred) {
			return newLineValidationError(i, "tax_percent", "must not exceed 100")
		}
	}
	if d.TaxAmount != nil && d.TaxAmount.IsNegative() {
		return newLineValidationError(i, "tax_amount", "must not be negative")
	}
	return nil
}

// CalculateTotals validates the drafts and derives each line's discount, tax,
// and total plus the invoice-level sums. Every monetary result is rounded to
// 2 places, half to even, per line before summing so the printed lines add up
// to the printed totals.
func CalculateTotals(drafts []LineItemDraft) ([]ComputedLine, InvoiceTotals, error) {
	if len(drafts) == 0 {
		return nil, InvoiceTotals{}, newValidationError("line_items", "at least one line item is required")
	}

	lines := make([]ComputedLine, 0, len(drafts))
	var totals InvoiceTotals

	for i, d := range drafts {
		if err := validateDraft(i, d); err != nil {
			return nil, InvoiceTotals{}, err
		}

		gross := roundMoney(d.UnitPrice.Mul(decimal.NewFromInt(d.Quantity)))

		var discount decimal.Decimal
		switch {
		case d.DiscountAmount != nil:
			discount = roundMoney(*d.DiscountAmount)
		case d.DiscountPercent != nil:
			discount = roundMoney(gross.Mul(*d.DiscountPercent).Div(hundred))
		}

		var tax decimal.Decimal
		switch {
		case d.TaxAmount != nil:
			tax = roundMoney(*d.TaxAmount)
		case d.TaxPercent != nil:
			tax = roundMoney(gross.Mul(*d.TaxPercent).Div(hundred))
		}

		lines = append(lines, ComputedLine{
			CatalogItemID:  d.CatalogItemID,
			Description:    d.Description,
			Quantity:       d.Quantity,
			UnitPrice:      d.UnitPrice,
			DiscountAmount: discount,
			TaxAmount:      tax,
			LineTotal:      gross.Add(tax).Sub(discount),
		})

		totals.Subtotal = totals.Subtotal.Add(gross)
		totals.Tax = totals.Tax.Add(tax)
		totals.Discount = totals.Discount.Add(discount)
	}

	totals.Total = totals.Subtotal.Add(totals.Tax).Sub(totals.Discount)
	return lines, totals, nil
}
