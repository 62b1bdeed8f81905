package decimal

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rezonia/ksef-fetcher/internal/model"
)

// Zero is decimal zero
var Zero = decimal.Zero

// UnknownCurrency groups amounts reported without a currency code
const UnknownCurrency = "UNKNOWN"

// FromString parses decimal from string. A comma decimal separator is accepted.
func FromString(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.Replace(strings.TrimSpace(s), ",", ".", 1))
}

// Sum sums a slice of decimals
func Sum(values []decimal.Decimal) decimal.Decimal {
	result := Zero
	for _, v := range values {
		result = result.Add(v)
	}
	return result
}

// Round2 rounds to grosze (two decimal places)
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Format renders an amount with exactly two decimal places
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// Totals sums gross amounts per currency. Records without an amount are ignored.
func Totals(records []model.InvoiceRecord) map[string]decimal.Decimal {
	amounts := make(map[string][]decimal.Decimal)
	for _, r := range records {
		if r.GrossAmount == nil {
			continue
		}
		cur := strings.ToUpper(strings.TrimSpace(r.Currency))
		if cur == "" {
			cur = UnknownCurrency
		}
		amounts[cur] = append(amounts[cur], *r.GrossAmount)
	}
	if len(amounts) == 0 {
		return nil
	}
	totals := make(map[string]decimal.Decimal, len(amounts))
	for cur, values := range amounts {
		totals[cur] = Round2(Sum(values))
	}
	return totals
}

// Currencies returns the currency codes of totals in sorted order
func Currencies(totals map[string]decimal.Decimal) []string {
	out := make([]string, 0, len(totals))
	for cur := range totals {
		out = append(out, cur)
	}
	sort.Strings(out)
	return out
}
