package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jacktea/selfenc/pkg/xerrors"
	"github.com/jacktea/selfenc/pkg/xorname"
)

// PathStore persists chunks on the local filesystem, one file per address.
type PathStore struct {
	root string
	flat bool
}

// PathOptions controls the on-disk layout of a PathStore.
type PathOptions struct {
	// Flat stores every chunk directly under root as <hex address>, which
	// is the layout other tools expect of a chunk directory. The default
	// fans out into two levels of subdirectories.
	Flat bool
}

// NewPathStore returns a Store rooted at root.
func NewPathStore(root string, opts PathOptions) (*PathStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore", "root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindWrite, "PathStore.mkdir", root, err)
	}
	return &PathStore{root: filepath.Clean(root), flat: opts.Flat}, nil
}

// Root returns the directory the store writes under.
func (p *PathStore) Root() string { return p.root }

func (p *PathStore) Put(ctx context.Context, addr xorname.XorName, data []byte) error {
	const op = "PathStore.Put"
	finalPath := p.pathFor(addr)
	if _, err := os.Stat(finalPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return writeFailed(op, addr, err)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return writeFailed(op, addr, err)
	}
	file, err := os.CreateTemp(filepath.Dir(finalPath), ".upload-*")
	if err != nil {
		return writeFailed(op, addr, err)
	}
	tmpName := file.Name()
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpName)
		return writeFailed(op, addr, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpName)
		return writeFailed(op, addr, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpName)
		return writeFailed(op, addr, err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return writeFailed(op, addr, err)
	}
	return nil
}

func (p *PathStore) Get(ctx context.Context, addr xorname.XorName) ([]byte, error) {
	data, err := os.ReadFile(p.pathFor(addr))
	if errors.Is(err, os.ErrNotExist) {
		return nil, notFound("PathStore.Get", addr, err)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "PathStore.Get", addr.String(), err)
	}
	return data, nil
}

func (p *PathStore) GetBatch(ctx context.Context, addrs []xorname.XorName) ([][]byte, error) {
	return GetBatchFrom(ctx, p, addrs, DefaultBatchConcurrency)
}

func (p *PathStore) Exists(ctx context.Context, addr xorname.XorName) (bool, error) {
	_, err := os.Stat(p.pathFor(addr))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, xerrors.Wrap(xerrors.KindInternal, "PathStore.Exists", addr.String(), err)
}

// Delete removes the chunk stored at addr.
func (p *PathStore) Delete(ctx context.Context, addr xorname.XorName) error {
	if err := os.Remove(p.pathFor(addr)); err != nil && !os.IsNotExist(err) {
		return writeFailed("PathStore.Delete", addr, err)
	}
	return nil
}

// Walk calls fn for every chunk file under the root. Files whose names are
// not chunk addresses, such as interrupted uploads, are skipped.
func (p *PathStore) Walk(ctx context.Context, fn func(addr xorname.XorName) error) error {
	return filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p.flat && path != p.root {
				return filepath.SkipDir
			}
			return nil
		}
		addr, perr := xorname.Parse(d.Name())
		if perr != nil || p.pathFor(addr) != path {
			return nil
		}
		return fn(addr)
	})
}

func (p *PathStore) pathFor(addr xorname.XorName) string {
	name := addr.String()
	if p.flat {
		return filepath.Join(p.root, name)
	}
	return filepath.Join(p.root, name[:2], name[2:4], name)
}
