package database

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Constraint kinds reported by ErrorKind
const (
	KindNullConstraint = "null_constraint"
	KindDuplicate      = "duplicate"
	KindForeignKey     = "foreign_key"
	KindInvalidData    = "invalid_data"
)

// ErrorKind maps a Postgres error to a constraint kind by SQLSTATE.
// It returns "" for errors that did not come from Postgres.
func ErrorKind(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}

	switch {
	case pgErr.Code == "23502":
		return KindNullConstraint
	case pgErr.Code == "23505":
		return KindDuplicate
	case pgErr.Code == "23503":
		return KindForeignKey
	case len(pgErr.Code) == 5 && pgErr.Code[:2] == "22":
		// class 22: data exception (bad dates, numeric overflow, invalid text)
		return KindInvalidData
	}
	return "other"
}
