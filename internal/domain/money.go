package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Money is an amount in the smallest currency unit (cents). Arithmetic never touches floats.
type Money int64

// Cents returns the raw minor-unit amount.
func (m Money) Cents() int64 {
	return int64(m)
}

// Times multiplies the amount by an integer quantity.
func (m Money) Times(quantity int) Money {
	return m * Money(quantity)
}

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool {
	return m < 0
}

// Split allocates the amount by numerator/denominator. The allocated share is rounded half away
// from zero and the remainder absorbs the rounding so both parts always sum to m.
func (m Money) Split(numerator, denominator int64) (share Money, remainder Money) {
	if denominator == 0 {
		return 0, m
	}
	ratio := decimal.NewFromInt(numerator).Div(decimal.NewFromInt(denominator))
	rounded := decimal.NewFromInt(int64(m)).Mul(ratio).Round(0)
	share = Money(rounded.IntPart())
	return share, m - share
}

// Decimal exposes the amount in major units, e.g. 4000 -> 40.00.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

// Format renders the amount for display in the given ISO currency, e.g. "R 40.00" for ZAR.
// Display strings are never parsed back into Money.
func (m Money) Format(isoCode string) string {
	unit, err := currency.ParseISO(strings.TrimSpace(isoCode))
	if err != nil {
		return fmt.Sprintf("%s %s", strings.ToUpper(strings.TrimSpace(isoCode)), m.Decimal().StringFixed(2))
	}
	printer := message.NewPrinter(language.English)
	return printer.Sprint(currency.Symbol(unit.Amount(m.Decimal().InexactFloat64())))
}

// SumMoney adds the provided amounts.
func SumMoney(values ...Money) Money {
	var total Money
	for _, v := range values {
		total += v
	}
	return total
}
