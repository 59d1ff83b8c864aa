package billing

import "github.com/shopspring/decimal"

// ResolveStatus maps ledger state to the invoice's status. It is the single
// source of truth: every mutation calls it instead of deriving status
// locally.
//
// Rules, in priority order:
//  1. draft, cancelled, and refunded never change here; only explicit
//     operations move them.
//  2. any submitted claim forces insurance_pending.
//  3. totalPaid covering total (within the currency epsilon) is paid.
//  4. any positive totalPaid is partially_paid.
//  5. otherwise issued; an overdue mark set by the external scheduler is kept
//     rather than reverted.
func ResolveStatus(total, totalPaid decimal.Decimal, hasPendingClaim bool, current InvoiceStatus) InvoiceStatus {
	switch current {
	case StatusDraft, StatusCancelled, StatusRefunded:
		return current
	}
	if hasPendingClaim {
		return StatusInsurancePending
	}
	if coversTotal(totalPaid, total) {
		return StatusPaid
	}
	if totalPaid.IsPositive() {
		return StatusPartiallyPaid
	}
	if current == StatusOverdue {
		return StatusOverdue
	}
	return StatusIssued
}
