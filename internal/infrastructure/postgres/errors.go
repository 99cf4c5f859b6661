package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the store reacts to.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
	codeStringTooLong       = "22001"
)

// ErrConstraint is returned when a row violates a column constraint.
var ErrConstraint = errors.New("constraint violation")

func pgCode(err error) (string, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

func isUniqueViolation(err error) bool {
	code, _ := pgCode(err)
	return code == codeUniqueViolation
}

func isConstraintViolation(err error) bool {
	switch code, _ := pgCode(err); code {
	case codeCheckViolation, codeStringTooLong, codeForeignKeyViolation:
		return true
	}
	return false
}
