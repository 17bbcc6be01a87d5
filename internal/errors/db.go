package errors

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reKeyField extracts the column from "Key (field)=(value) already exists.".
var reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)

// MapDBError converts database and context errors to AppErrors:
//   - no rows: NotFound
//   - unique violation: Conflict
//   - foreign key violation: ForeignKey
//   - check and NOT NULL violations: Validation
//   - connection failures: Unavailable
//   - deadline and cancellation: Timeout and Canceled
//
// Existing AppErrors and unrecognised errors are returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(err, ErrCodeTimeout, "database operation timed out")
	case errors.Is(err, context.Canceled):
		return Wrap(err, ErrCodeCanceled, "database operation canceled")
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, pgx.ErrNoRows):
		return Wrap(err, ErrCodeNotFound, "record not found")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return Wrap(err, ErrCodeUnavailable, "database unavailable")
	}
	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch {
	case pgErr.Code == pgerrcode.UniqueViolation:
		return &AppError{Code: ErrCodeConflict, Message: "record already exists", Field: uniqueField(pgErr), Cause: pgErr}
	case pgErr.Code == pgerrcode.ForeignKeyViolation:
		return &AppError{Code: ErrCodeForeignKey, Message: "referenced record does not exist", Field: pgErr.ColumnName, Cause: pgErr}
	case pgErr.Code == pgerrcode.NotNullViolation:
		return &AppError{Code: ErrCodeValidation, Message: "required field is missing", Field: pgErr.ColumnName, Cause: pgErr}
	case pgErr.Code == pgerrcode.CheckViolation:
		return &AppError{Code: ErrCodeValidation, Message: "value violates " + pgErr.ConstraintName, Field: checkField(pgErr), Cause: pgErr}
	case pgerrcode.IsConnectionException(pgErr.Code),
		pgErr.Code == pgerrcode.AdminShutdown,
		pgErr.Code == pgerrcode.CannotConnectNow,
		pgErr.Code == pgerrcode.TooManyConnections:
		return &AppError{Code: ErrCodeUnavailable, Message: "database unavailable", Cause: pgErr}
	case pgErr.Code == pgerrcode.QueryCanceled:
		return &AppError{Code: ErrCodeTimeout, Message: "database statement timed out", Cause: pgErr}
	default:
		return pgErr
	}
}

func uniqueField(pgErr *pgconn.PgError) string {
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		return m[1]
	}
	return fieldFromConstraint(pgErr.ConstraintName, pgErr.TableName, "_key")
}

func checkField(pgErr *pgconn.PgError) string {
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	return fieldFromConstraint(pgErr.ConstraintName, pgErr.TableName, "_check")
}

// fieldFromConstraint strips the Postgres default naming, e.g.
// providers_domain_key -> domain, orders_quantity_check -> quantity.
func fieldFromConstraint(constraint, table, suffix string) string {
	name, ok := strings.CutSuffix(constraint, suffix)
	if !ok {
		return ""
	}
	if table != "" {
		name, ok = strings.CutPrefix(name, table+"_")
		if !ok {
			return ""
		}
	}
	return name
}
