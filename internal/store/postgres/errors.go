package postgres

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dealdesk/dealdesk/internal/store"
)

// classifyError marks backend errors the retry layer may safely re-issue
// with store.MarkTransient; everything else passes through unmodified.
// Constraint violations stay terminal here; the one documented
// unique-violation race is handled by the account store itself.
//
// Classification is ranked: structured SQLSTATE codes first, generic network
// error types second, message substrings last. The substring list is a
// fallback only; message text is not a stable contract.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.SerializationFailure,
			pgErr.Code == pgerrcode.DeadlockDetected:
			return store.MarkTransient(err)

		case pgerrcode.IsConnectionException(pgErr.Code):
			return store.MarkTransient(err)

		case pgErr.Code == pgerrcode.AdminShutdown,
			pgErr.Code == pgerrcode.CrashShutdown,
			pgErr.Code == pgerrcode.CannotConnectNow:
			return store.MarkTransient(err)

		case pgerrcode.IsInsufficientResources(pgErr.Code):
			return store.MarkTransient(err)

		case pgErr.Code == pgerrcode.InvalidSQLStatementName:
			// Stale prepared statement after a pooler-side reconnect; safe
			// to re-issue.
			return store.MarkTransient(err)
		}
		return err
	}

	// Context errors pass through unmarked; the retry layer knows whether
	// the blown deadline was its own attempt timeout or the caller's.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return store.MarkTransient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return store.MarkTransient(err)
	}

	if messageLooksTransient(err.Error()) {
		return store.MarkTransient(err)
	}

	return err
}

// messageLooksTransient is the last-resort substring heuristic for errors
// that surface without a structured code.
func messageLooksTransient(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"prepared statement",
		"conn closed",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// isStagePositionViolation matches the deferred unique constraint on
// (pipeline_id, position), which fires at commit time.
func isStagePositionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == pgerrcode.UniqueViolation &&
		pgErr.ConstraintName == "stages_pipeline_position_key"
}
