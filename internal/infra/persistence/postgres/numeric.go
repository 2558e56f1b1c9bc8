package postgres

import (
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromString converts a decimal string into a pgtype.Numeric value.
func numericFromString(value string) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("numeric value required")
	}
	if err := out.Scan(trimmed); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}

// numericFromFloat converts a price or quantity into a pgtype.Numeric. Values beyond
// the representable range (NaN, ±Inf, the double-max sentinel) map to zero.
func numericFromFloat(value float64) (pgtype.Numeric, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || math.Abs(value) >= math.MaxFloat64/2 {
		value = 0
	}
	return numericFromString(decimal.NewFromFloat(value).String())
}

// numerics converts values in order and stops at the first failure.
func numerics(values ...float64) ([]pgtype.Numeric, error) {
	out := make([]pgtype.Numeric, len(values))
	for i, v := range values {
		n, err := numericFromFloat(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
