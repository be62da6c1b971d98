package job

import (
	"errors"
	"fmt"
)

type (
	// Kind classifies a pipeline failure. The classification decides
	// whether the stage is retried by the broker and what the user
	// facing status line says.
	Kind int

	Error struct {
		kind  Kind
		cause error
	}
)

const (
	KindInternal Kind = iota
	KindBadRequest
	KindSourceUnavailable
	KindInvalidMedia
	KindEncoderError
	KindUploadError
	KindTransient
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "BadRequest"
	case KindSourceUnavailable:
		return "SourceUnavailable"
	case KindInvalidMedia:
		return "InvalidMedia"
	case KindEncoderError:
		return "EncoderError"
	case KindUploadError:
		return "UploadError"
	case KindTransient:
		return "Transient"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Internal"
	}
}

// Retryable reports whether a failure of this kind should be handed back
// to the broker for a delayed re-delivery. Everything else short-circuits
// to a terminal FAILED (or CANCELLED).
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindUploadError
}

func NewError(kind Kind, cause error) *Error {
	return &Error{kind: kind, cause: cause}
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, cause: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.cause.Error())
}

func (e *Error) Unwrap() error { return e.cause }
func (e *Error) Kind() Kind    { return e.kind }

// KindOf extracts the failure kind from an error chain. Errors which were
// never classified are treated as Internal (a bug, logged with full
// context but shown to the user as a generic failure).
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind
	}

	return KindInternal
}

// UserMessage renders the single line shown to the user when a job
// reaches FAILED. Internal errors are deliberately vague.
func UserMessage(err error) string {
	kind := KindOf(err)
	if kind == KindInternal {
		return "an internal error occurred"
	}

	var classified *Error
	errors.As(err, &classified)
	return classified.cause.Error()
}
