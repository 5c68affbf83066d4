package invitebroker

import (
	"errors"
	"fmt"
)

// ErrorKind identifies the category of an [Error].
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConnection
	KindQuery
	KindConflict
	KindInvalidContext
	KindCapacityExhausted
	KindNotFound
	KindNotSupporter
	KindDiscord
	KindValidation
)

const (
	supporterMessage = "You must be a [supporter](https://ko-fi.com/R5R0XAC5J) to " +
		"invite a private bot. To be verified as a supporter, you must have the " +
		"supporters role in the [aiode discord](https://discord.gg/gdc25AG). This " +
		"role is assigned automatically if your Ko-fi account is connected to discord."
	noPrivateBotMessage = "There is currently no private bot instance available. " +
		"Check the [aiode discord](https://discord.gg/gdc25AG) to learn when new " +
		"availability is added."
	guildOnlyMessage = "This command can only be used within a guild"
)

var errorCodes = map[ErrorKind]int{
	KindInvalidContext:    400_001,
	KindNotSupporter:      400_002,
	KindValidation:        400_003,
	KindCapacityExhausted: 400_004,
	KindConnection:        500_001,
	KindQuery:             500_002,
	KindDiscord:           500_003,
	KindNotFound:          500_004,
	KindConflict:          500_005,
}

var kindNames = map[ErrorKind]string{
	KindUnknown:           "unknown",
	KindConnection:        "connection",
	KindQuery:             "query",
	KindConflict:          "conflict",
	KindInvalidContext:    "invalid_context",
	KindCapacityExhausted: "capacity_exhausted",
	KindNotFound:          "not_found",
	KindNotSupporter:      "not_supporter",
	KindDiscord:           "discord",
	KindValidation:        "validation",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Sentinels for use with errors.Is. Matching is done on [Error.Kind], so
// any *Error of the same kind matches regardless of message or cause.
var (
	ErrConnection        = &Error{Kind: KindConnection}
	ErrQuery             = &Error{Kind: KindQuery}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrInvalidContext    = &Error{Kind: KindInvalidContext}
	ErrCapacityExhausted = &Error{Kind: KindCapacityExhausted}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrNotSupporter      = &Error{Kind: KindNotSupporter}
	ErrDiscord           = &Error{Kind: KindDiscord}
	ErrValidation        = &Error{Kind: KindValidation}
)

// Error is the error type returned to callers of [Allocator] and the
// command handlers.
//
// Fields:
//   - Kind: The category of the error, used for matching and HTTP status mapping.
//   - Message: The text shown to the user (for user-facing kinds) or logged.
//   - Err: The underlying cause, if any.
//
// Internal errors (connection, query, conflict, not found, discord) are
// shown to users as "Error (<code>): <message>", while user-facing errors
// are shown verbatim.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return t.Kind == e.Kind
}

// Code returns the numeric error code shown to users for internal errors.
func (e *Error) Code() int {
	return errorCodes[e.Kind]
}

// Internal returns true if the error detail should be hidden from users.
func (e *Error) Internal() bool {
	switch e.Kind {
	case KindInvalidContext, KindNotSupporter, KindCapacityExhausted, KindValidation:
		return false
	default:
		return true
	}
}

// UserMessage returns the text that should be displayed to a Discord user
// for this error.
func (e *Error) UserMessage() string {
	if e.Internal() {
		return fmt.Sprintf("Error (%d): %s", e.Code(), e.Error())
	}
	return e.Error()
}

func connectionError(err error) *Error {
	return &Error{
		Kind:    KindConnection,
		Message: "Could not establish database connection",
		Err:     err,
	}
}

func queryError(err error) *Error {
	return &Error{
		Kind:    KindQuery,
		Message: "There has been an error executing a query",
		Err:     err,
	}
}

func discordError(err error) *Error {
	return &Error{
		Kind:    KindDiscord,
		Message: "There has been an error executing a discord request",
		Err:     err,
	}
}

func conflictError(attempts int, err error) *Error {
	return &Error{
		Kind:    KindConflict,
		Message: fmt.Sprintf("transaction conflict persisted after %d attempts", attempts),
		Err:     err,
	}
}

func invalidContextError(msg string) *Error {
	if msg == "" {
		msg = guildOnlyMessage
	}
	return &Error{Kind: KindInvalidContext, Message: msg}
}

func capacityExhaustedError() *Error {
	return &Error{Kind: KindCapacityExhausted, Message: noPrivateBotMessage}
}

func notSupporterError() *Error {
	return &Error{Kind: KindNotSupporter, Message: supporterMessage}
}

func validationError(msg string, err error) *Error {
	return &Error{Kind: KindValidation, Message: msg, Err: err}
}

func notFoundError(what string, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", what, id)}
}

// asError converts err to an *Error. A nil err returns nil, an existing
// *Error anywhere in the chain is returned as-is, and anything else is
// wrapped as a query error.
func asError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return queryError(err)
}
