package selfenc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/jacktea/selfenc/pkg/datamap"
	"github.com/jacktea/selfenc/pkg/encryption"
	"github.com/jacktea/selfenc/pkg/storage"
	"github.com/jacktea/selfenc/pkg/xerrors"
	"github.com/jacktea/selfenc/pkg/xorname"
)

// levelFunc writes the plaintext described by one map level to w.
type levelFunc func(ctx context.Context, dm datamap.DataMap, w io.Writer) error

// Decrypt writes the plaintext described by dm to w, fetching one chunk at a
// time in index order. A shrunk map is unshrunk first. On error the bytes
// already written to w must be discarded.
func Decrypt(ctx context.Context, dm datamap.DataMap, g storage.Getter, w io.Writer) error {
	level := func(ctx context.Context, dm datamap.DataMap, w io.Writer) error {
		return decryptSequential(ctx, dm, g, w)
	}
	dm, err := unshrink(ctx, dm, level)
	if err != nil {
		return err
	}
	return level(ctx, dm, w)
}

// DecryptBytes returns the plaintext described by dm.
func DecryptBytes(ctx context.Context, dm datamap.DataMap, g storage.Getter) ([]byte, error) {
	var buf bytes.Buffer
	if err := Decrypt(ctx, dm, g, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unshrink follows the shrink levels of dm down to the map that describes
// the caller's data.
func Unshrink(ctx context.Context, dm datamap.DataMap, g storage.Getter) (datamap.DataMap, error) {
	return unshrink(ctx, dm, func(ctx context.Context, dm datamap.DataMap, w io.Writer) error {
		return decryptSequential(ctx, dm, g, w)
	})
}

// References returns every chunk address dm depends on, the chunks of its
// shrink levels included.
func References(ctx context.Context, dm datamap.DataMap, g storage.Getter) ([]xorname.XorName, error) {
	var refs []xorname.XorName
	_, err := walkLevels(ctx, dm, func(ctx context.Context, dm datamap.DataMap, w io.Writer) error {
		return decryptSequential(ctx, dm, g, w)
	}, func(dm datamap.DataMap) {
		refs = append(refs, dm.Addresses()...)
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func unshrink(ctx context.Context, dm datamap.DataMap, level levelFunc) (datamap.DataMap, error) {
	return walkLevels(ctx, dm, level, nil)
}

// walkLevels descends the shrink chain of dm, calling visit on every level
// including the last.
func walkLevels(ctx context.Context, dm datamap.DataMap, level levelFunc, visit func(datamap.DataMap)) (datamap.DataMap, error) {
	const op = "selfenc.Unshrink"
	if err := dm.Validate(); err != nil {
		return datamap.DataMap{}, err
	}
	if visit != nil {
		visit(dm)
	}
	for depth := 0; dm.IsShrunk(); depth++ {
		if depth >= datamap.MaxShrinkDepth {
			return datamap.DataMap{}, xerrors.Wrap(xerrors.KindMalformed, op, "",
				fmt.Errorf("shrink chain deeper than %d", datamap.MaxShrinkDepth))
		}
		var buf bytes.Buffer
		buf.Grow(int(dm.OriginalSize))
		if err := level(ctx, dm, &buf); err != nil {
			return datamap.DataMap{}, err
		}
		parent, err := datamap.Unmarshal(buf.Bytes())
		if err != nil {
			return datamap.DataMap{}, xerrors.Wrap(xerrors.KindMalformed, op, "", err)
		}
		if parent.Child+1 != dm.Child {
			return datamap.DataMap{}, xerrors.Wrap(xerrors.KindMalformed, op, "",
				fmt.Errorf("level %d decodes to level %d", dm.Child, parent.Child))
		}
		dm = parent
		if visit != nil {
			visit(dm)
		}
	}
	return dm, nil
}

func decryptSequential(ctx context.Context, dm datamap.DataMap, g storage.Getter, w io.Writer) error {
	if err := dm.Validate(); err != nil {
		return err
	}
	hashes := dm.PreHashes()
	for i, info := range dm.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		ct, err := g.Get(ctx, info.PostHash)
		if err != nil {
			return err
		}
		plain, err := decryptChunk(hashes, i, info, ct)
		if err != nil {
			return err
		}
		if _, err := w.Write(plain); err != nil {
			return xerrors.Wrap(xerrors.KindWrite, "selfenc.Decrypt", info.PostHash.String(), err)
		}
	}
	return nil
}

// decryptChunk decrypts chunk i and checks it against its plaintext hash.
func decryptChunk(hashes []xorname.XorName, i int, info datamap.ChunkInfo, ct []byte) ([]byte, error) {
	const op = "selfenc.decryptChunk"
	if uint64(len(ct)) != info.Size {
		return nil, xerrors.Wrap(xerrors.KindIntegrity, op, info.PostHash.String(),
			fmt.Errorf("chunk %d is %d bytes, expected %d", i, len(ct), info.Size))
	}
	params, err := encryption.ParamsAt(hashes, i)
	if err != nil {
		return nil, err
	}
	plain, err := encryption.Decrypt(ct, params)
	if err != nil {
		return nil, err
	}
	if xorname.Hash(plain) != info.PreHash {
		return nil, xerrors.Wrap(xerrors.KindIntegrity, op, info.PostHash.String(),
			fmt.Errorf("chunk %d does not match its plaintext hash", i))
	}
	return plain, nil
}

// DecryptRange returns length bytes of plaintext starting at offset,
// fetching only the chunks that overlap the range. The range is clipped to
// the end of the data.
func DecryptRange(ctx context.Context, dm datamap.DataMap, g storage.Getter, offset, length uint64) ([]byte, error) {
	const op = "selfenc.DecryptRange"
	dm, err := Unshrink(ctx, dm, g)
	if err != nil {
		return nil, err
	}
	if offset > dm.OriginalSize {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, "",
			fmt.Errorf("offset %d beyond %d bytes", offset, dm.OriginalSize))
	}
	if length > dm.OriginalSize-offset {
		length = dm.OriginalSize - offset
	}
	if length == 0 {
		return []byte{}, nil
	}
	offsets := dm.Offsets()
	end := offset + length
	// first chunk whose end is past offset, last chunk starting before end
	first := sort.Search(len(offsets), func(i int) bool {
		return offsets[i]+dm.Chunks[i].Size > offset
	})
	last := sort.Search(len(offsets), func(i int) bool { return offsets[i] >= end }) - 1

	addrs := make([]xorname.XorName, 0, last-first+1)
	for i := first; i <= last; i++ {
		addrs = append(addrs, dm.Chunks[i].PostHash)
	}
	cts, err := storage.Batch(g).GetBatch(ctx, addrs)
	if err != nil {
		return nil, err
	}
	hashes := dm.PreHashes()
	out := make([]byte, 0, length)
	for k, ct := range cts {
		i := first + k
		plain, err := decryptChunk(hashes, i, dm.Chunks[i], ct)
		if err != nil {
			return nil, err
		}
		lo, hi := uint64(0), uint64(len(plain))
		if offset > offsets[i] {
			lo = offset - offsets[i]
		}
		if end < offsets[i]+hi {
			hi = end - offsets[i]
		}
		out = append(out, plain[lo:hi]...)
	}
	return out, nil
}
