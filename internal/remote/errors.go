package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Kind classifies failures that cross the provider boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindAuthRequired
	KindDecode
	KindNotFound
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthRequired:
		return "auth_required"
	case KindDecode:
		return "decode"
	case KindNotFound:
		return "not_found"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks against classified errors.
var (
	ErrTransient    = errors.New("transient provider failure")
	ErrAuthRequired = errors.New("re-authentication required")
	ErrDecode       = errors.New("stored data could not be decoded")
	ErrNotFound     = errors.New("item not found")
	ErrCanceled     = errors.New("operation canceled")
)

var sentinels = map[Kind]error{
	KindTransient:    ErrTransient,
	KindAuthRequired: ErrAuthRequired,
	KindDecode:       ErrDecode,
	KindNotFound:     ErrNotFound,
	KindCanceled:     ErrCanceled,
}

// Error is a classified failure. errors.Is matches the sentinel of its Kind,
// and errors.As still reaches the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	trace error
}

// NewError classifies err under kind, recording a stack trace for logging.
func NewError(kind Kind, op string, err error) *Error {
	if err == nil {
		err = sentinels[kind]
	}
	return &Error{Kind: kind, Op: op, Err: err, trace: eris.Wrap(err, op)}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// Trace renders the error with the stack captured when it was classified.
func (e *Error) Trace() string {
	if e.trace == nil {
		return e.Error()
	}
	return eris.ToString(e.trace, true)
}

// TraceOf returns the trace of the classified error in err's chain, or the
// plain message when err was never classified.
func TraceOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Trace()
	}
	return err.Error()
}

// Classifier recognizes provider-specific errors. It returns KindUnknown
// when it has no opinion.
type Classifier func(error) Kind

// Classify converts a raw error into an *Error. Errors already classified
// pass through. Context cancellation becomes KindCanceled; each classifier is
// consulted in order; anything left is KindTransient.
func Classify(op string, err error, classifiers ...Classifier) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindCanceled, op, err)
	}
	for _, c := range classifiers {
		if k := c(err); k != KindUnknown {
			return NewError(k, op, err)
		}
	}
	return NewError(KindTransient, op, err)
}

// KindOf returns the kind of a classified error, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnknown
}
