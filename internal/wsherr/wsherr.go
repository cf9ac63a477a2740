// Package wsherr defines the error taxonomy shared across the wsh protocol
// stack: one Kind per root cause (codec, handshake, addressing, transport,
// policy, timeout, io), carried by a concrete error type with Unwrap.
package wsherr

import "fmt"

// Kind classifies the root cause of an Error. Each Kind corresponds to one
// of the failure modes called out in the protocol's error-handling design:
// callers branch on Kind, never on message text.
type Kind int

const (
	Other Kind = iota
	Codec
	InvalidMessage
	AuthFailed
	Token
	SessionNotFound
	Channel
	UnknownKey
	Transport
	PermissionDenied
	Timeout
	Io
)

func (k Kind) String() string {
	switch k {
	case Codec:
		return "codec"
	case InvalidMessage:
		return "invalid_message"
	case AuthFailed:
		return "auth_failed"
	case Token:
		return "token"
	case SessionNotFound:
		return "session_not_found"
	case Channel:
		return "channel"
	case UnknownKey:
		return "unknown_key"
	case Transport:
		return "transport"
	case PermissionDenied:
		return "permission_denied"
	case Timeout:
		return "timeout"
	case Io:
		return "io"
	default:
		return "other"
	}
}

// Error is the concrete error type returned across package boundaries in
// wsh. Msg carries the human-readable detail ("key not authorized",
// "unsupported protocol version: …"); Err, when present, is the
// underlying cause for %w unwrapping.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and a message to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err is a *Error of the given Kind. It deliberately
// does not use errors.As itself (callers rarely need the full object), but
// walks the unwrap chain so it composes with fmt.Errorf("...: %w", err).
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
