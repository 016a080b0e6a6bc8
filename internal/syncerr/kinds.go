// Package syncerr defines the error kinds of a nightly synchronization run.
//
// Every failure that leaves a pipeline step is wrapped into an *Error with
// one of the Kind values. Callers check the kind with errors.Is against the
// exported sentinels:
//
//	if errors.Is(err, syncerr.ErrMerge) { ... }
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures.
type Kind uint8

const (
	KindUndefined Kind = iota
	// KindMalformedPin is returned when no release identifier can be
	// extracted from a toolchain pin. It aborts a run before any remote
	// operation.
	KindMalformedPin
	// KindPinUnavailable is returned when the toolchain pin could not be
	// read at all (missing file, API failure).
	KindPinUnavailable
	// KindTagPublish is returned when the release tag could not be looked
	// up or published for another reason than a lost creation race.
	KindTagPublish
	// KindMerge is returned when merging the upstream release tag into the
	// tracking branch or publishing the result failed. It is not fatal.
	KindMerge
	// KindNotificationDelivery is returned when the messaging service
	// could not be reached or rejected a request.
	KindNotificationDelivery
)

var kindStrings = [...]string{
	KindUndefined:            "undefined",
	KindMalformedPin:         "malformed_pin",
	KindPinUnavailable:       "pin_unavailable",
	KindTagPublish:           "tag_publish_error",
	KindMerge:                "merge_error",
	KindNotificationDelivery: "notification_delivery_error",
}

func (k Kind) String() string {
	if int(k) > len(kindStrings)-1 {
		return fmt.Sprintf("unsupported Kind value: %d", k)
	}

	return kindStrings[k]
}

// ExitCode returns the process exit status used for a failure of the kind.
// MergeError is non-fatal and maps to 0.
func (k Kind) ExitCode() int {
	switch k {
	case KindMerge:
		return 0
	case KindMalformedPin:
		return 3
	case KindTagPublish:
		return 4
	case KindNotificationDelivery:
		return 5
	case KindPinUnavailable:
		return 6
	default:
		return 1
	}
}

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Err  error
}

var (
	ErrMalformedPin         = &Error{Kind: KindMalformedPin}
	ErrPinUnavailable       = &Error{Kind: KindPinUnavailable}
	ErrTagPublish           = &Error{Kind: KindTagPublish}
	ErrMerge                = &Error{Kind: KindMerge}
	ErrNotificationDelivery = &Error{Kind: KindNotificationDelivery}
)

// New wraps err into an *Error of the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf creates an *Error of the given kind with a formatted message.
// %w verbs are supported.
func Newf(kind Kind, format string, a ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, a...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
// KindUndefined is returned if err does not wrap an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUndefined
}

