package invitebroker

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// MaxTransactionAttempts is the maximum number of times RunTransaction
// will execute a unit of work before giving up on a conflict.
const MaxTransactionAttempts = 10

// IsolationLevel is the transaction isolation level used by RunTransaction.
type IsolationLevel int

const (
	IsolationReadCommitted IsolationLevel = iota
	IsolationSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationReadCommitted:
		return "read_committed"
	case IsolationSerializable:
		return "serializable"
	default:
		return "unknown"
	}
}

// txOptions returns the options to begin a transaction with on the given
// dialect. SQLite transactions are always serializable and the driver
// doesn't accept an isolation level, so none is passed.
func (l IsolationLevel) txOptions(dialect string) []*sql.TxOptions {
	if dialect == dbTypeSQLite {
		return nil
	}
	switch l {
	case IsolationSerializable:
		return []*sql.TxOptions{{Isolation: sql.LevelSerializable}}
	default:
		return []*sql.TxOptions{{Isolation: sql.LevelReadCommitted}}
	}
}

// UnitOfWork is run by RunTransaction inside a database transaction.
//
// Run may be called more than once for a single RunTransaction call,
// each time in a new transaction, so it must not have side effects outside
// of tx before it returns.
type UnitOfWork[T any] interface {
	Run(ctx context.Context, tx *gorm.DB) (T, error)
}

// UnitOfWorkFunc adapts a function to the UnitOfWork interface.
type UnitOfWorkFunc[T any] func(ctx context.Context, tx *gorm.DB) (T, error)

func (f UnitOfWorkFunc[T]) Run(ctx context.Context, tx *gorm.DB) (T, error) {
	return f(ctx, tx)
}

// AttemptResult describes a single transaction attempt, and is passed to
// an AttemptObserver after each attempt completes.
type AttemptResult struct {
	Isolation IsolationLevel
	Attempt   int
	Outcome   string
	Err       error
	Duration  time.Duration
}

// AttemptObserver is called by RunTransaction after each attempt.
type AttemptObserver func(AttemptResult)

type transactionOptions struct {
	acquireTimeout time.Duration
	observers      []AttemptObserver
}

// TransactionOption configures a RunTransaction call.
type TransactionOption func(*transactionOptions)

// WithAcquireTimeout limits how long RunTransaction waits for a pooled
// connection. It doesn't apply to the transaction attempts themselves.
func WithAcquireTimeout(d time.Duration) TransactionOption {
	return func(o *transactionOptions) {
		if d > 0 {
			o.acquireTimeout = d
		}
	}
}

// WithAttemptObserver adds an observer called after each attempt.
func WithAttemptObserver(fn AttemptObserver) TransactionOption {
	return func(o *transactionOptions) {
		if fn != nil {
			o.observers = append(o.observers, fn)
		}
	}
}

// RunTransaction executes work inside a transaction at the given isolation
// level, on a single connection checked out from db's pool, and commits if
// work returns a nil error.
//
// Serialization conflicts (from work or from COMMIT) cause the transaction
// to be discarded and work to be run again in a new transaction on the same
// connection, immediately and up to [MaxTransactionAttempts] times in total.
// If every attempt conflicts, the last conflict is returned wrapped in a
// [KindConflict] error. Any other error rolls back the transaction and is
// returned without retrying: an [*Error] is returned as-is, anything else
// is wrapped as a [KindQuery] error.
//
// ctx bounds connection acquisition only. Once an attempt has started it
// runs to commit or rollback even if ctx is cancelled, limited only by
// dbOperationTimeout. Cancellation is checked between attempts: if ctx is
// done after a conflicting attempt, no further attempts are made and the
// returned KindConflict error wraps ctx.Err() alongside the last conflict,
// after fewer than MaxTransactionAttempts attempts. Use
// errors.Is(err, context.Canceled) (or context.DeadlineExceeded) to tell
// an early stop from an exhausted retry budget.
//
// Parameters:
//   - ctx: Context for acquiring the connection, and the parent (minus
//     cancellation) of each attempt's context.
//   - db: The pool to check out a connection from.
//   - level: Isolation level for every attempt.
//   - work: The unit of work to run.
//   - opts: Optional TransactionOption values.
//
// Returns:
//   - T: The value returned by the successful attempt, or the zero value.
//   - error: nil on commit, otherwise an *Error.
func RunTransaction[T any](
	ctx context.Context,
	db *gorm.DB,
	level IsolationLevel,
	work UnitOfWork[T],
	opts ...TransactionOption,
) (T, error) {
	var result T

	options := transactionOptions{acquireTimeout: DefaultAcquireTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "transaction", "isolation", level.String())

	acquireCtx, cancel := context.WithTimeout(ctx, options.acquireTimeout)
	defer cancel()

	acquired := false
	err := db.WithContext(acquireCtx).Connection(
		func(conn *gorm.DB) error {
			acquired = true
			txOpts := level.txOptions(conn.Dialector.Name())

			var lastConflict error
			for attempt := 1; attempt <= MaxTransactionAttempts; attempt++ {
				if attempt > 1 && ctx.Err() != nil {
					return conflictError(attempt-1, errors.Join(lastConflict, ctx.Err()))
				}

				start := time.Now()
				value, outcome, cause := runAttempt(ctx, conn, work, txOpts)
				attemptResult := AttemptResult{
					Isolation: level,
					Attempt:   attempt,
					Outcome:   outcome.String(),
					Err:       cause,
					Duration:  time.Since(start),
				}
				for _, observe := range options.observers {
					observe(attemptResult)
				}

				switch outcome {
				case outcomeCommit:
					result = value
					return nil
				case outcomeRollback:
					return rollback(cause)
				default:
					lastConflict = cause
					logger.DebugContext(
						ctx,
						"transaction conflict",
						"attempt", attempt,
						"max_attempts", MaxTransactionAttempts,
						"error", cause,
					)
				}
			}
			logger.WarnContext(
				ctx,
				"transaction conflict retries exhausted",
				"attempts", MaxTransactionAttempts,
				"error", lastConflict,
			)
			return conflictError(MaxTransactionAttempts, lastConflict)
		},
	)
	if err == nil {
		return result, nil
	}
	if !acquired {
		return result, connectionError(err)
	}

	var sig *txSignal
	if errors.As(err, &sig) {
		err = sig.err
	}
	return result, asError(err)
}

// runAttempt runs work once inside a new transaction on conn.
func runAttempt[T any](
	ctx context.Context,
	conn *gorm.DB,
	work UnitOfWork[T],
	txOpts []*sql.TxOptions,
) (T, attemptOutcome, error) {
	var value T

	attemptCtx, cancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		dbOperationTimeout,
	)
	defer cancel()

	err := conn.WithContext(attemptCtx).Transaction(
		func(tx *gorm.DB) error {
			v, e := work.Run(attemptCtx, tx)
			if e != nil {
				return e
			}
			value = v
			return nil
		},
		txOpts...,
	)

	outcome, cause := classifyAttempt(err)
	if outcome != outcomeCommit {
		var zero T
		return zero, outcome, cause
	}
	return value, outcome, nil
}
