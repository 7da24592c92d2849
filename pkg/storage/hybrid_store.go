package storage

import (
	"context"

	"github.com/jacktea/selfenc/pkg/xerrors"
	"github.com/jacktea/selfenc/pkg/xorname"
)

// HybridOptions control hybrid store behaviour.
type HybridOptions struct {
	MirrorSecondary bool // if true, writes are mirrored to secondary
	CacheOnRead     bool // if true, chunks read from secondary are kept in primary
}

// HybridStore layers a primary (usually local) store over a secondary backend.
type HybridStore struct {
	primary   Store
	secondary Store
	opts      HybridOptions
}

// NewHybridStore composes primary and secondary chunk stores.
func NewHybridStore(primary, secondary Store, opts HybridOptions) (*HybridStore, error) {
	if primary == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "HybridStore", "primary store required")
	}
	if secondary == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "HybridStore", "secondary store required")
	}
	return &HybridStore{primary: primary, secondary: secondary, opts: opts}, nil
}

func (h *HybridStore) Put(ctx context.Context, addr xorname.XorName, data []byte) error {
	if err := h.primary.Put(ctx, addr, data); err != nil {
		return err
	}
	if h.opts.MirrorSecondary {
		return h.secondary.Put(ctx, addr, data)
	}
	return nil
}

func (h *HybridStore) Get(ctx context.Context, addr xorname.XorName) ([]byte, error) {
	data, err := h.primary.Get(ctx, addr)
	if err == nil {
		return data, nil
	}
	if !xerrors.Is(err, xerrors.KindNotFound) {
		return nil, err
	}
	data, err = h.secondary.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	if h.opts.CacheOnRead {
		// A failed local copy only costs a refetch later.
		_ = h.primary.Put(ctx, addr, data)
	}
	return data, nil
}

func (h *HybridStore) GetBatch(ctx context.Context, addrs []xorname.XorName) ([][]byte, error) {
	return GetBatchFrom(ctx, h, addrs, DefaultBatchConcurrency)
}

func (h *HybridStore) Exists(ctx context.Context, addr xorname.XorName) (bool, error) {
	ok, err := h.primary.Exists(ctx, addr)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return h.secondary.Exists(ctx, addr)
}
