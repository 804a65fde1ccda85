// Package apierr defines the error taxonomy shared by the HTTP source
// client, the persistence layer, and the work queue, driving their retry
// decisions.
package apierr

import "errors"

// Kind classifies an error for retry/propagation decisions.
type Kind int

const (
	KindUnknown Kind = iota
	NetworkTransient
	NetworkPermanent
	RateLimited
	DecodeError
	DbTransient
	DbConstraint
	DbPermanent
	QueueTransient
	NotFound
	InvariantViolation
	Timeout
)

func (k Kind) String() string {
	switch k {
	case NetworkTransient:
		return "NetworkTransient"
	case NetworkPermanent:
		return "NetworkPermanent"
	case RateLimited:
		return "RateLimited"
	case DecodeError:
		return "DecodeError"
	case DbTransient:
		return "DbTransient"
	case DbConstraint:
		return "DbConstraint"
	case DbPermanent:
		return "DbPermanent"
	case QueueTransient:
		return "QueueTransient"
	case NotFound:
		return "NotFound"
	case InvariantViolation:
		return "InvariantViolation"
	case Timeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a taxonomy Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a taxonomy error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the retry policy covers this error class
// at the producer of the call.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case NetworkTransient, RateLimited, DbTransient, QueueTransient:
		return true
	default:
		return false
	}
}
