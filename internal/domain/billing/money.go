package billing

import "github.com/shopspring/decimal"

// epsilon is the currency comparison tolerance. Two amounts closer than half
// a cent are treated as equal.
var epsilon = decimal.NewFromFloat(0.005)

// roundMoney rounds to 2 decimal places using round-half-to-even, the policy
// applied per line before summing.
func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}

// coversTotal reports whether paid settles total within the epsilon.
func coversTotal(paid, total decimal.Decimal) bool {
	return paid.GreaterThanOrEqual(total.Sub(epsilon))
}

// exceedsBalance reports whether amount overdraws remaining, epsilon-tolerant
// so that a payment of exactly the displayed balance always succeeds.
func exceedsBalance(amount, remaining decimal.Decimal) bool {
	return amount.GreaterThan(remaining.Add(epsilon))
}
