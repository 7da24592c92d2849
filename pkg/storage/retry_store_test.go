package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jacktea/selfenc/pkg/xerrors"
	"github.com/jacktea/selfenc/pkg/xorname"
)

// flakyStore fails the first failures calls to Get with err.
type flakyStore struct {
	*MemoryStore
	failures int
	err      error
	calls    int
}

func (f *flakyStore) Get(ctx context.Context, addr xorname.XorName) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.MemoryStore.Get(ctx, addr)
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, Initial: time.Millisecond, MaxWait: 2 * time.Millisecond}
}

func TestRetryStoreRecovers(t *testing.T) {
	flaky := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2,
		err: xerrors.E(xerrors.KindInternal, "test", "transient")}
	addr := putChunk(t, flaky, []byte("eventually"))
	s := NewRetryStore(flaky, fastRetry())
	got, err := s.Get(context.Background(), addr)
	if err != nil || string(got) != "eventually" {
		t.Fatalf("get: %q %v", got, err)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.calls)
	}
}

func TestRetryStoreGivesUp(t *testing.T) {
	transient := xerrors.E(xerrors.KindNotFound, "test", "missing")
	flaky := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100, err: transient}
	s := NewRetryStore(flaky, fastRetry())
	_, err := s.Get(context.Background(), xorname.Hash([]byte("x")))
	if !errors.Is(err, transient) {
		t.Fatalf("expected the storage error, got %v", err)
	}
	if flaky.calls != 4 {
		t.Fatalf("expected 1 attempt plus 3 retries, got %d", flaky.calls)
	}
}

func TestRetryStoreSkipsPermanentErrors(t *testing.T) {
	permanent := xerrors.E(xerrors.KindIntegrity, "test", "corrupt")
	flaky := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100, err: permanent}
	s := NewRetryStore(flaky, fastRetry())
	if _, err := s.Get(context.Background(), xorname.Hash([]byte("x"))); !errors.Is(err, permanent) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if flaky.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", flaky.calls)
	}
}

func TestRetryStoreHonoursCancellation(t *testing.T) {
	flaky := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100,
		err: xerrors.E(xerrors.KindInternal, "test", "transient")}
	s := NewRetryStore(flaky, RetryConfig{MaxRetries: 50, Initial: time.Hour, MaxWait: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := s.Get(ctx, xorname.Hash([]byte("x"))); err == nil {
		t.Fatal("expected error after cancellation")
	}
}

func TestRetryStorePassesThrough(t *testing.T) {
	s := NewRetryStore(NewMemoryStore(), fastRetry())
	exerciseStore(t, s)
}

// flakyDeleter fails the first failures calls to Delete with err.
type flakyDeleter struct {
	*MemoryStore
	failures int
	err      error
	calls    int
}

func (f *flakyDeleter) Delete(ctx context.Context, addr xorname.XorName) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return f.MemoryStore.Delete(ctx, addr)
}

func TestRetryStoreDeleteAndWalk(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyDeleter{MemoryStore: NewMemoryStore(), failures: 1,
		err: xerrors.E(xerrors.KindWrite, "test", "busy")}
	keep := putChunk(t, flaky, []byte("keep"))
	drop := putChunk(t, flaky, []byte("drop"))
	s := NewRetryStore(flaky, fastRetry())

	if err := s.Delete(ctx, drop); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if flaky.calls != 2 {
		t.Fatalf("expected one retry, got %d calls", flaky.calls)
	}
	got := walkAll(t, s)
	if len(got) != 1 || !got[keep] {
		t.Fatalf("unexpected walk result %v", got)
	}
}

// getOnly hides every method of the memory store except Store.
type getOnly struct{ Store }

func TestRetryStoreRejectsMissingCapabilities(t *testing.T) {
	s := NewRetryStore(getOnly{NewMemoryStore()}, fastRetry())
	ctx := context.Background()
	if err := s.Delete(ctx, xorname.Hash([]byte("x"))); !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("expected invalid delete, got %v", err)
	}
	err := s.Walk(ctx, func(xorname.XorName) error { return nil })
	if !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("expected invalid walk, got %v", err)
	}
}
