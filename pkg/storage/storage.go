// Package storage defines the capability interfaces through which the
// encryptor hands out ciphertext chunks and the decryptor fetches them, plus
// a handful of content-addressed backends.
package storage

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jacktea/selfenc/pkg/xerrors"
	"github.com/jacktea/selfenc/pkg/xorname"
)

// Getter fetches one chunk by address.
type Getter interface {
	Get(ctx context.Context, addr xorname.XorName) ([]byte, error)
}

// BatchGetter fetches several chunks at once. The result is aligned with
// addrs; a single miss fails the whole batch.
type BatchGetter interface {
	GetBatch(ctx context.Context, addrs []xorname.XorName) ([][]byte, error)
}

// Putter persists one chunk under its address.
type Putter interface {
	Put(ctx context.Context, addr xorname.XorName, data []byte) error
}

// Store is the full capability set of a backend.
type Store interface {
	Getter
	BatchGetter
	Putter
	Exists(ctx context.Context, addr xorname.XorName) (bool, error)
}

// Lister enumerates the addresses held by a store.
type Lister interface {
	Walk(ctx context.Context, fn func(addr xorname.XorName) error) error
}

// Deleter removes a chunk. Deleting a missing chunk is not an error.
type Deleter interface {
	Delete(ctx context.Context, addr xorname.XorName) error
}

// GetterFunc adapts a function to Getter.
type GetterFunc func(ctx context.Context, addr xorname.XorName) ([]byte, error)

func (f GetterFunc) Get(ctx context.Context, addr xorname.XorName) ([]byte, error) {
	return f(ctx, addr)
}

// BatchGetterFunc adapts a function to BatchGetter.
type BatchGetterFunc func(ctx context.Context, addrs []xorname.XorName) ([][]byte, error)

func (f BatchGetterFunc) GetBatch(ctx context.Context, addrs []xorname.XorName) ([][]byte, error) {
	return f(ctx, addrs)
}

// PutterFunc adapts a function to Putter.
type PutterFunc func(ctx context.Context, addr xorname.XorName, data []byte) error

func (f PutterFunc) Put(ctx context.Context, addr xorname.XorName, data []byte) error {
	return f(ctx, addr, data)
}

// DefaultBatchConcurrency bounds the per-address fan-out of GetBatchFrom.
const DefaultBatchConcurrency = 8

// Batch lifts a Getter into a BatchGetter. If g already implements
// BatchGetter it is returned unchanged.
func Batch(g Getter) BatchGetter {
	if bg, ok := g.(BatchGetter); ok {
		return bg
	}
	return BatchGetterFunc(func(ctx context.Context, addrs []xorname.XorName) ([][]byte, error) {
		return GetBatchFrom(ctx, g, addrs, DefaultBatchConcurrency)
	})
}

// GetBatchFrom fetches addrs through g with at most concurrency requests in
// flight. The first failure cancels the remaining fetches.
func GetBatchFrom(ctx context.Context, g Getter, addrs []xorname.XorName, concurrency int) ([][]byte, error) {
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	out := make([][]byte, len(addrs))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for i, addr := range addrs {
		i, addr := i, addr
		group.Go(func() error {
			data, err := g.Get(gctx, addr)
			if err != nil {
				return err
			}
			out[i] = data
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckAddress verifies that data hashes to addr.
func CheckAddress(op string, addr xorname.XorName, data []byte) error {
	if got := xorname.Hash(data); got != addr {
		return xerrors.Wrap(xerrors.KindIntegrity, op, addr.String(),
			fmt.Errorf("content hashes to %s", got))
	}
	return nil
}

// Verifying wraps a Putter so that it refuses bytes that do not hash to the
// address they are stored under.
func Verifying(p Putter) Putter {
	return PutterFunc(func(ctx context.Context, addr xorname.XorName, data []byte) error {
		if err := CheckAddress("storage.Put", addr, data); err != nil {
			return err
		}
		return p.Put(ctx, addr, data)
	})
}

func notFound(op string, addr xorname.XorName, err error) error {
	if err == nil {
		return xerrors.E(xerrors.KindNotFound, op, addr.String())
	}
	return xerrors.Wrap(xerrors.KindNotFound, op, addr.String(), err)
}

func writeFailed(op string, addr xorname.XorName, err error) error {
	return xerrors.Wrap(xerrors.KindWrite, op, addr.String(), err)
}
