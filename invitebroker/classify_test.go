package invitebroker

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
)

func TestClassifyAttempt(t *testing.T) {
	serializationFailure := &pgconn.PgError{Code: pgSerializationFailure}
	uniqueViolation := &pgconn.PgError{Code: "23505"}
	sqliteBusy := sqlite3.Error{Code: sqlite3.ErrBusy}
	sqliteLocked := sqlite3.Error{Code: sqlite3.ErrLocked}
	sqliteConstraint := sqlite3.Error{Code: sqlite3.ErrConstraint}
	plain := errors.New("boom")

	tests := []struct {
		name    string
		err     error
		outcome attemptOutcome
		cause   error
	}{
		{"nil", nil, outcomeCommit, nil},
		{"postgres serialization failure", serializationFailure, outcomeRetry, serializationFailure},
		{
			"wrapped serialization failure",
			fmt.Errorf("commit: %w", serializationFailure),
			outcomeRetry,
			serializationFailure,
		},
		{"postgres unique violation", uniqueViolation, outcomeRollback, uniqueViolation},
		{"sqlite busy", sqliteBusy, outcomeRetry, sqliteBusy},
		{"sqlite locked", sqliteLocked, outcomeRetry, sqliteLocked},
		{"sqlite constraint", sqliteConstraint, outcomeRollback, sqliteConstraint},
		{"plain", plain, outcomeRollback, plain},
		{"no rows", sql.ErrNoRows, outcomeRollback, sql.ErrNoRows},
		{"retryable", retryable(plain), outcomeRetry, plain},
		{"rollback overrides conflict", rollback(serializationFailure), outcomeRollback, serializationFailure},
		{"retryable wrapped", fmt.Errorf("x: %w", retryable(plain)), outcomeRetry, plain},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				outcome, cause := classifyAttempt(tt.err)
				assert.Equal(t, tt.outcome.String(), outcome.String())
				if tt.cause == nil {
					assert.NoError(t, cause)
				} else {
					assert.ErrorIs(t, cause, tt.cause)
				}
			},
		)
	}
}

func TestTxSignal_Nil(t *testing.T) {
	assert.NoError(t, retryable(nil))
	assert.NoError(t, rollback(nil))
}

func TestTxSignal_Unwrap(t *testing.T) {
	err := rollback(capacityExhaustedError())
	assert.ErrorIs(t, err, ErrCapacityExhausted)
	assert.Equal(t, noPrivateBotMessage, err.Error())
}
