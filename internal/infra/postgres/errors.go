package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"mediaq/internal/ports"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolationCode     = "23505"
	foreignKeyViolationCode = "23503"
	checkViolationCode      = "23514"
)

// mapError translates driver errors into the ports sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ports.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolationCode:
			return fmt.Errorf("%w: duplicate (%s): %v", ports.ErrInvalid, pgErr.ConstraintName, err)
		case foreignKeyViolationCode, checkViolationCode:
			return fmt.Errorf("%w: constraint %s: %v", ports.ErrInvalid, pgErr.ConstraintName, err)
		}
	}
	return err
}
