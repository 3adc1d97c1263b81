// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package errors is the structured error type kzorp returns at every
// control-plane boundary. The transaction manager, the entity store, and
// the opcode dispatcher all report failures as a *Error carrying a Kind
// instead of a bare error, so a control peer can tell a name collision
// from a broken invariant without scraping a message string.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindInvalidArgument
	KindNotFound
	KindAlreadyExists
	KindNoTransaction
	KindTransactionConflict
	KindOutOfMemory
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindNoTransaction:
		return "no_transaction"
	case KindTransactionConflict:
		return "transaction_conflict"
	case KindOutOfMemory:
		return "out_of_memory"
	default:
		return "unknown"
	}
}

// Error is a classified, optionally-wrapped error carrying free-form
// attributes (e.g. the offending zone name, the dispatcher a rule belongs
// to) a caller can attach after the fact without changing the message.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// New builds an *Error with no underlying cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind, keeping err reachable via Unwrap.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Underlying: err}
}

// Attr attaches a key/value pair to err, promoting a plain error to a
// KindInternal *Error first if it isn't already one. Used by call sites
// that want to record which zone, service, or rule a failure concerned
// without threading that detail through the message string.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindInternal, Message: err.Error(), Underlying: err}
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns err's Kind, or KindUnknown if nothing in its chain is a
// *Error, for instance an error returned directly by a third-party
// library.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes walks err's chain and merges every *Error's Attributes,
// innermost values losing to outer ones on key collision. A transaction
// commit failure is typically one *Error deep, but Attr can stack wraps
// as an operation is passed back up through several layers.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	for cur := err; cur != nil; {
		var e *Error
		if !errors.As(cur, &e) {
			break
		}
		for k, v := range e.Attributes {
			if _, exists := attrs[k]; !exists {
				attrs[k] = v
			}
		}
		cur = e.Underlying
	}
	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain matching target's type.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of err's Unwrap method, if it has one.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}
