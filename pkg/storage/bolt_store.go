package storage

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/selfenc/pkg/xerrors"
	"github.com/jacktea/selfenc/pkg/xorname"
)

var bucketChunks = []byte("chunks")

// BoltConfig configures the BoltDB-backed chunk store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore keeps chunks in a single BoltDB bucket keyed by raw address.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltStore opens (or creates) the database at cfg.Path.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "BoltStore", "path")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "BoltStore.open", cfg.Path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketChunks); err != nil {
			return fmt.Errorf("boltdb: create bucket %s: %w", bucketChunks, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.KindInternal, "BoltStore.init", cfg.Path, err)
	}
	return &BoltStore{cfg: cfg, db: db}, nil
}

func (b *BoltStore) Put(ctx context.Context, addr xorname.XorName, data []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketChunks)
		if bkt.Get(addr[:]) != nil {
			return nil
		}
		return bkt.Put(addr[:], data)
	})
	if err != nil {
		return writeFailed("BoltStore.Put", addr, err)
	}
	return nil
}

func (b *BoltStore) Get(ctx context.Context, addr xorname.XorName) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketChunks).Get(addr[:])
		if v == nil {
			return notFound("BoltStore.Get", addr, nil)
		}
		// Values are only valid for the life of the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// GetBatch reads every address inside one read transaction.
func (b *BoltStore) GetBatch(ctx context.Context, addrs []xorname.XorName) ([][]byte, error) {
	out := make([][]byte, len(addrs))
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketChunks)
		for i, addr := range addrs {
			v := bkt.Get(addr[:])
			if v == nil {
				return notFound("BoltStore.GetBatch", addr, nil)
			}
			out[i] = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltStore) Exists(ctx context.Context, addr xorname.XorName) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketChunks).Get(addr[:]) != nil
		return nil
	})
	return ok, err
}

// Delete removes addr if present.
func (b *BoltStore) Delete(ctx context.Context, addr xorname.XorName) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Delete(addr[:])
	})
	if err != nil {
		return writeFailed("BoltStore.Delete", addr, err)
	}
	return nil
}

// Walk calls fn for every stored address. Addresses are collected in one
// read transaction first so fn may modify the store.
func (b *BoltStore) Walk(ctx context.Context, fn func(addr xorname.XorName) error) error {
	var addrs []xorname.XorName
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).ForEach(func(k, _ []byte) error {
			if len(k) != xorname.Size {
				return nil
			}
			var addr xorname.XorName
			copy(addr[:], k)
			addrs = append(addrs, addr)
			return nil
		})
	})
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "BoltStore.Walk", b.cfg.Path, err)
	}
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(addr); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored chunks.
func (b *BoltStore) Len() (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketChunks).Stats().KeyN
		return nil
	})
	return n, err
}

// Close releases the underlying BoltDB.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
