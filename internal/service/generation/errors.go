package generation

import (
	"errors"
	"fmt"
)

// Kind classifies a generation failure.
type Kind int

const (
	// KindOther covers local failures such as malformed stream output.
	KindOther Kind = iota
	// KindTransport covers failed or timed-out calls to the backend.
	KindTransport
	// KindContentRejected means the backend refused or filtered the content.
	KindContentRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindContentRejected:
		return "content_rejected"
	default:
		return "other"
	}
}

// Error is returned by sessions and models in this package.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrSessionUnavailable is returned by the session handed out when no
// generation session could be constructed at all.
var ErrSessionUnavailable = errors.New("generation session unavailable")

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err. Errors not produced by this package are
// treated as transport failures.
func KindOf(err error) Kind {
	var genErr *Error
	if errors.As(err, &genErr) {
		return genErr.Kind
	}
	return KindTransport
}

// IsContentRejected reports whether err is a content rejection.
func IsContentRejected(err error) bool {
	return err != nil && KindOf(err) == KindContentRejected
}
