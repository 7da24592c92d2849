package storage

import (
	"context"
	"time"

	"github.com/grailbio/base/retry"
	"github.com/sirupsen/logrus"

	"github.com/jacktea/selfenc/pkg/xerrors"
	"github.com/jacktea/selfenc/pkg/xorname"
)

// RetryConfig tunes RetryStore.
type RetryConfig struct {
	// MaxRetries is the number of attempts made after the first failure.
	// Zero means 3.
	MaxRetries int
	Initial    time.Duration
	MaxWait    time.Duration
	Factor     float64
	Logger     logrus.FieldLogger
}

// RetryStore retries transient failures of the wrapped store with
// exponential backoff. Integrity, malformed and cancellation errors are
// returned immediately.
type RetryStore struct {
	next   Store
	policy retry.Policy
	log    logrus.FieldLogger
}

// NewRetryStore wraps next.
func NewRetryStore(next Store, cfg RetryConfig) *RetryStore {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Initial <= 0 {
		cfg.Initial = 100 * time.Millisecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}
	if cfg.Factor < 1 {
		cfg.Factor = 2
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RetryStore{
		next:   next,
		policy: retry.MaxTries(retry.Backoff(cfg.Initial, cfg.MaxWait, cfg.Factor), cfg.MaxRetries),
		log:    log,
	}
}

func (r *RetryStore) Get(ctx context.Context, addr xorname.XorName) ([]byte, error) {
	var out []byte
	err := r.do(ctx, "get", addr, func() error {
		data, err := r.next.Get(ctx, addr)
		out = data
		return err
	})
	return out, err
}

func (r *RetryStore) GetBatch(ctx context.Context, addrs []xorname.XorName) ([][]byte, error) {
	var out [][]byte
	var first xorname.XorName
	if len(addrs) > 0 {
		first = addrs[0]
	}
	err := r.do(ctx, "get_batch", first, func() error {
		data, err := r.next.GetBatch(ctx, addrs)
		out = data
		return err
	})
	return out, err
}

func (r *RetryStore) Put(ctx context.Context, addr xorname.XorName, data []byte) error {
	return r.do(ctx, "put", addr, func() error {
		return r.next.Put(ctx, addr, data)
	})
}

func (r *RetryStore) Exists(ctx context.Context, addr xorname.XorName) (bool, error) {
	var ok bool
	err := r.do(ctx, "exists", addr, func() error {
		v, err := r.next.Exists(ctx, addr)
		ok = v
		return err
	})
	return ok, err
}

// Unwrap returns the wrapped store.
func (r *RetryStore) Unwrap() Store { return r.next }

// Delete forwards to the wrapped store, retrying transient failures.
func (r *RetryStore) Delete(ctx context.Context, addr xorname.XorName) error {
	d, ok := r.next.(Deleter)
	if !ok {
		return xerrors.E(xerrors.KindInvalid, "RetryStore.Delete", "wrapped store cannot delete")
	}
	return r.do(ctx, "delete", addr, func() error {
		return d.Delete(ctx, addr)
	})
}

// Walk forwards to the wrapped store. A failed walk is not retried since
// fn may already have seen part of the store.
func (r *RetryStore) Walk(ctx context.Context, fn func(addr xorname.XorName) error) error {
	l, ok := r.next.(Lister)
	if !ok {
		return xerrors.E(xerrors.KindInvalid, "RetryStore.Walk", "wrapped store cannot list")
	}
	return l.Walk(ctx, fn)
}

func (r *RetryStore) do(ctx context.Context, op string, addr xorname.XorName, fn func() error) error {
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil || !xerrors.Retryable(err) || ctx.Err() != nil {
			return err
		}
		r.log.WithFields(logrus.Fields{
			"op":      op,
			"addr":    addr.Short(),
			"attempt": retries + 1,
		}).WithError(err).Debug("storage retry")
		if werr := retry.Wait(ctx, r.policy, retries); werr != nil {
			// Report the storage failure rather than the policy's give-up error.
			return err
		}
	}
}
