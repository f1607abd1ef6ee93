package postgres

import (
	"errors"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/model"
)

// classify wraps err with the taxonomy sentinel matching the PostgreSQL
// error code or connection failure. Unrecognized errors are wrapped as-is.
func classify(err error, msg string, opts ...goerr.Option) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		opts = append(opts, goerr.V("pg_code", pgErr.Code))
		switch {
		case pgErr.Code == "23503": // foreign_key_violation
			return goerr.Wrap(errors.Join(model.ErrReferential, err), msg, opts...)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			// serialization_failure, deadlock_detected, lock_not_available
			return goerr.Wrap(errors.Join(model.ErrConcurrencyConflict, err), msg, opts...)
		case len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "53" || pgErr.Code[:2] == "57"):
			// connection_exception, insufficient_resources, operator_intervention
			return goerr.Wrap(errors.Join(model.ErrTransientStore, err), msg, opts...)
		}
		return goerr.Wrap(err, msg, opts...)
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || pgconn.Timeout(err) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return goerr.Wrap(errors.Join(model.ErrTransientStore, err), msg, opts...)
	}

	return goerr.Wrap(err, msg, opts...)
}
