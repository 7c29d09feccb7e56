package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

// classify wraps a database error from op in the category callers act on.
// Errors the server raises about the data itself are permanent. Only failures
// to reach the server, or conditions it reports as temporary, are ErrTransport.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w: %w", op, pgCategory(pgErr), err)
	}
	if isConnectionError(err) {
		return fmt.Errorf("%s: %w: %w", op, models.ErrTransport, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrInternal, err)
}

// pgCategory maps a SQLSTATE to an error category by its class.
func pgCategory(pgErr *pgconn.PgError) error {
	if pgErr.Code == "23505" {
		return ErrDuplicateKey
	}
	if len(pgErr.Code) < 2 {
		return models.ErrInternal
	}
	switch pgErr.Code[:2] {
	case "22": // data exception
		return models.ErrValidation
	case "23": // integrity constraint violation
		return models.ErrConstraintViolation
	case "08", // connection exception
		"40", // transaction rollback
		"53", // insufficient resources
		"57", // operator intervention
		"58": // system error
		return models.ErrTransport
	}
	return models.ErrInternal
}

func isConnectionError(err error) bool {
	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connErr), errors.As(err, &netErr):
		return true
	case pgconn.Timeout(err), pgconn.SafeToRetry(err):
		return true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	return false
}
