package xerrors

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"testing"
)

func TestKindOf(t *testing.T) {
	wrapped := Wrap(KindIntegrity, "op", "", errors.New("boom"))

	testcases := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "nil", err: nil, kind: KindInvalid},
		{name: "wrapped error", err: wrapped, kind: KindIntegrity},
		{name: "fmt wrapped", err: fmt.Errorf("outer: %w", wrapped), kind: KindIntegrity},
		{name: "innermost kind wins", err: Wrap(KindInternal, "decrypt", "", wrapped), kind: KindIntegrity},
		{name: "internal over not exist", err: Wrap(KindInternal, "get", "", os.ErrNotExist), kind: KindNotFound},
		{name: "iofs not exist", err: iofs.ErrNotExist, kind: KindNotFound},
		{name: "iofs invalid", err: iofs.ErrInvalid, kind: KindInvalid},
		{name: "unknown error defaults internal", err: errors.New("other"), kind: KindInternal},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.kind {
				t.Fatalf("KindOf() = %v, want %v", got, tc.kind)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(KindNotFound, "PathStore.Get", "ab12", os.ErrNotExist)
	want := "PathStore.Get: chunk not found ab12: " + os.ErrNotExist.Error()
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected unwrap to reach os.ErrNotExist")
	}
	if Wrap(KindWrite, "op", "", nil) != nil {
		t.Fatalf("Wrap(nil) should be nil")
	}
}

func TestRetryable(t *testing.T) {
	testcases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "not found", err: E(KindNotFound, "get", "x"), want: true},
		{name: "write", err: E(KindWrite, "put", "x"), want: true},
		{name: "integrity", err: E(KindIntegrity, "decrypt", "x"), want: false},
		{name: "malformed", err: E(KindMalformed, "unshrink", ""), want: false},
		{name: "canceled", err: Wrap(KindInternal, "get", "", context.Canceled), want: false},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.want {
				t.Fatalf("Retryable() = %v, want %v", got, tc.want)
			}
		})
	}
}
