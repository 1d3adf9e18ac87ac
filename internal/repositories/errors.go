package repositories

import (
	"errors"
	"fmt"

	"github.com/agency-marketplace/backend/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	}
	return err
}

func conflict(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s (%s): %w", what, pgErr.ConstraintName, apperr.ErrConflict)
	}
	return err
}

// numeric columns are read as text and parsed here to keep full precision.
func parseNumeric(s string, dst *decimal.Decimal) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("parse numeric %q: %w", s, err)
	}
	*dst = d
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 20
	}
	return limit
}
