package protocol

import "fmt"

// Kind is the machine-readable error category carried on the wire.
// Clients branch on Kind and Retriable, never on Message text.
type Kind string

const (
	KindMalformedFrame       Kind = "MalformedFrame"
	KindAuthenticationFailed Kind = "AuthenticationFailed"
	KindRateLimited          Kind = "RateLimited"
	KindUnknownPlugin        Kind = "UnknownPlugin"
	KindUnknownCommand       Kind = "UnknownCommand"
	KindCapabilityDenied     Kind = "CapabilityDenied"
	KindTimeout              Kind = "Timeout"
	KindPluginFault          Kind = "PluginFault"
	KindDuplicateName        Kind = "DuplicateName"
	KindNotRegistered        Kind = "NotRegistered"
	KindConnectionLost       Kind = "ConnectionLost"
)

// retriableByDefault marks the kinds where the same request can sensibly
// be retried after backoff. Everything else is a client or contract
// error that a retry will not fix.
var retriableByDefault = map[Kind]bool{
	KindRateLimited:    true,
	KindTimeout:        true,
	KindConnectionLost: true,
}

// Error is the structured error payload of an error Response. It also
// implements the error interface so server-side code can pass it through
// ordinary error returns and recover it with errors.As.
type Error struct {
	Kind         Kind   `json:"kind"`
	Message      string `json:"message"`
	Retriable    bool   `json:"retriable"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds an Error with the default retriable flag for its kind.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retriable: retriableByDefault[kind],
	}
}

// WithRetryAfter sets the suggested backoff in milliseconds, clamped to
// a minimum of 1 so a denial never suggests an immediate retry.
func (e *Error) WithRetryAfter(ms int64) *Error {
	if ms < 1 {
		ms = 1
	}
	e.RetryAfterMS = ms
	return e
}
