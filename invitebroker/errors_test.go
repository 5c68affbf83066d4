package invitebroker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Codes(t *testing.T) {
	tests := []struct {
		err      *Error
		code     int
		internal bool
	}{
		{invalidContextError(""), 400_001, false},
		{notSupporterError(), 400_002, false},
		{validationError("bad instance", nil), 400_003, false},
		{capacityExhaustedError(), 400_004, false},
		{connectionError(errors.New("refused")), 500_001, true},
		{queryError(errors.New("syntax")), 500_002, true},
		{discordError(errors.New("401")), 500_003, true},
		{notFoundError("guild", "123"), 500_004, true},
		{conflictError(MaxTransactionAttempts, errors.New("40001")), 500_005, true},
	}
	for _, tt := range tests {
		t.Run(
			tt.err.Kind.String(), func(t *testing.T) {
				assert.Equal(t, tt.code, tt.err.Code())
				assert.Equal(t, tt.internal, tt.err.Internal())
			},
		)
	}
}

func TestError_UserMessage(t *testing.T) {
	t.Run(
		"user facing", func(t *testing.T) {
			assert.Equal(t, guildOnlyMessage, invalidContextError("").UserMessage())
			assert.Equal(t, noPrivateBotMessage, capacityExhaustedError().UserMessage())
			assert.Equal(t, supporterMessage, notSupporterError().UserMessage())
			assert.Equal(t, "custom", invalidContextError("custom").UserMessage())
		},
	)

	t.Run(
		"internal", func(t *testing.T) {
			err := queryError(errors.New("no such table: guild_specification"))
			assert.Equal(
				t,
				"Error (500002): There has been an error executing a query: "+
					"no such table: guild_specification",
				err.UserMessage(),
			)
		},
	)
}

func TestError_Is(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("assigning guild: %w", connectionError(cause))

	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrQuery)
	assert.NotErrorIs(t, err, ErrConflict)

	assert.ErrorIs(t, capacityExhaustedError(), ErrCapacityExhausted)
	assert.ErrorIs(t, notFoundError("private bot instance", "a"), ErrNotFound)
	assert.NotErrorIs(t, errors.New("x"), ErrNotFound)
}

func TestError_Error(t *testing.T) {
	assert.Equal(t, "query", (&Error{Kind: KindQuery}).Error())
	assert.Equal(t, "cause", (&Error{Kind: KindQuery, Err: errors.New("cause")}).Error())
	assert.Equal(t, "msg", (&Error{Kind: KindQuery, Message: "msg"}).Error())
	assert.Equal(
		t,
		"msg: cause",
		(&Error{Kind: KindQuery, Message: "msg", Err: errors.New("cause")}).Error(),
	)
	assert.Equal(t, "ErrorKind(99)", ErrorKind(99).String())
}

func TestAsError(t *testing.T) {
	assert.Nil(t, asError(nil))

	original := capacityExhaustedError()
	wrapped := fmt.Errorf("wrapped: %w", original)
	assert.Same(t, original, asError(wrapped))

	plain := errors.New("disk I/O error")
	e := asError(plain)
	require.NotNil(t, e)
	assert.Equal(t, KindQuery, e.Kind)
	assert.ErrorIs(t, e, plain)
}
