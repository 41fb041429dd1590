// Package kinderr gives the node's error kinds (§7) a concrete type so the
// HTTP layer can map them to status codes in one place instead of sniffing
// error strings.
package kinderr

import "fmt"

// Kind classifies an error the way §7 of the spec does.
type Kind int

const (
	// Unclassified is the zero value — callers should never construct an
	// *Error without an explicit Kind. A plain error with no *Error in its
	// chain matches no Kind under Is, Unclassified included.
	Unclassified Kind = iota
	InvalidInput
	NotFound
	Conflict
	Storage
	Transport
	Timeout
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Storage:
		return "storage"
	case Transport:
		return "transport"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "unclassified"
	}
}

// Error is a kinded error. Wrap it with fmt.Errorf("...: %w", err) as usual;
// errors.As still finds the *Error underneath.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err was produced with the given Kind.
func Is(err error, kind Kind) bool {
	var ke *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			ke = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ke != nil && ke.Kind == kind
}
