package proxy

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind int

const (
	KindArgument Kind = iota + 1
	KindAddressParse
	KindFamilyMix
	KindBind
	KindListen
	KindProxyHeader
)

func (k Kind) String() string {
	switch k {
	case KindArgument:
		return "invalid forward rule"
	case KindAddressParse:
		return "could not resolve address"
	case KindFamilyMix:
		return "attempted to mix IPv4 and IPv6"
	case KindBind:
		return "could not bind"
	case KindListen:
		return "could not accept connections"
	case KindProxyHeader:
		return "could not read PROXY header"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels for errors.Is.
var (
	ErrArgument     = &Error{Kind: KindArgument}
	ErrAddressParse = &Error{Kind: KindAddressParse}
	ErrFamilyMix    = &Error{Kind: KindFamilyMix}
	ErrBind         = &Error{Kind: KindBind}
	ErrListen       = &Error{Kind: KindListen}
	ErrProxyHeader  = &Error{Kind: KindProxyHeader}
)

// Error is the error type returned by this package. Input holds whatever
// the failing step was working on (a rule, an address, a header line).
type Error struct {
	Kind  Kind
	Input string
	Err   error
}

func newError(kind Kind, input string, err error) *Error {
	return &Error{Kind: kind, Input: input, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Input != "" {
		msg += fmt.Sprintf(" %q", e.Input)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// ErrorKind returns the Kind of the first *Error in err's chain, or 0.
func ErrorKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
