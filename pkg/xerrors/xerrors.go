package xerrors

import (
	"context"
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies selfenc errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindWrite
	KindIntegrity
	KindMalformed
	KindCipher
	KindInternal
)

// String returns a short description of the kind.
func (k Kind) String() string { return kindString(k) }

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	// Ref names the object involved, usually a chunk address or a file path.
	Ref string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Ref != "" {
		base += " " + e.Ref
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func kindString(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "chunk not found"
	case KindWrite:
		return "storage write failed"
	case KindIntegrity:
		return "chunk integrity check failed"
	case KindMalformed:
		return "malformed data map"
	case KindCipher:
		return "cipher failure"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
// An err that already carries a Kind keeps it; the new Op and Ref are layered on top.
func Wrap(kind Kind, op, ref string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Ref: ref, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, ref string) error {
	return &Error{Kind: kind, Op: op, Ref: ref}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
// The innermost classified error wins, so a KindIntegrity failure wrapped
// by a KindInternal layer still reports KindIntegrity.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var found *Error
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if e, ok := cur.(*Error); ok {
			found = e
		}
	}
	if found != nil && found.Kind != KindInternal {
		return found.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	}
	if found != nil {
		return found.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err signals a storage availability problem that a
// caller may reasonably retry. Corruption, malformed input and cancellation
// are never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch KindOf(err) {
	case KindNotFound, KindWrite, KindInternal:
		return true
	default:
		return false
	}
}
