package invitebroker

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// pgSerializationFailure is the SQLSTATE postgres reports when a
// serializable transaction can't be committed due to a concurrent update.
const pgSerializationFailure = "40001"

// attemptOutcome is the result of a single transaction attempt, as seen
// by the retry loop in RunTransaction.
type attemptOutcome int

const (
	outcomeCommit attemptOutcome = iota
	outcomeRetry
	outcomeRollback
)

func (o attemptOutcome) String() string {
	switch o {
	case outcomeCommit:
		return "commit"
	case outcomeRetry:
		return "retry"
	default:
		return "rollback"
	}
}

// txSignal marks an error returned by a unit of work with an explicit
// retry/rollback decision, overriding driver error detection.
type txSignal struct {
	retry bool
	err   error
}

func (s *txSignal) Error() string {
	return s.err.Error()
}

func (s *txSignal) Unwrap() error {
	return s.err
}

// retryable marks err so the current attempt is discarded and the unit
// of work re-run in a new transaction.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	return &txSignal{retry: true, err: err}
}

// rollback marks err as terminal. The transaction is rolled back and err
// returned to the caller without another attempt.
func rollback(err error) error {
	if err == nil {
		return nil
	}
	return &txSignal{retry: false, err: err}
}

// classifyAttempt decides what the retry loop does with err, and returns
// the cause with any txSignal wrapper removed.
func classifyAttempt(err error) (attemptOutcome, error) {
	if err == nil {
		return outcomeCommit, nil
	}

	var sig *txSignal
	if errors.As(err, &sig) {
		if sig.retry {
			return outcomeRetry, sig.err
		}
		return outcomeRollback, sig.err
	}

	if isSerializationConflict(err) {
		return outcomeRetry, err
	}
	return outcomeRollback, err
}

// isSerializationConflict returns true if err is a driver error indicating
// the transaction lost a write conflict and may succeed if re-run.
func isSerializationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
