package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromDecimal converts a decimal into a pgtype.Numeric value.
func numericFromDecimal(value decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(value.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", value.String(), err)
	}
	return out, nil
}

// numericFromNull converts an optional decimal; an invalid one maps to NULL.
func numericFromNull(value decimal.NullDecimal) (pgtype.Numeric, error) {
	if !value.Valid {
		return pgtype.Numeric{}, nil
	}
	return numericFromDecimal(value.Decimal)
}

// decimalFromText parses a NUMERIC column selected as ::text.
func decimalFromText(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("numeric value required")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return d, nil
}

// nullDecimalFromText parses a nullable NUMERIC column selected as ::text.
func nullDecimalFromText(ptr *string) (decimal.NullDecimal, error) {
	if ptr == nil || strings.TrimSpace(*ptr) == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimalFromText(*ptr)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
