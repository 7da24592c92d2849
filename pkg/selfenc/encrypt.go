package selfenc

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/selfenc/pkg/chunker"
	"github.com/jacktea/selfenc/pkg/datamap"
	"github.com/jacktea/selfenc/pkg/encryption"
	"github.com/jacktea/selfenc/pkg/storage"
	"github.com/jacktea/selfenc/pkg/xerrors"
	"github.com/jacktea/selfenc/pkg/xorname"
)

// Encrypt encrypts data and returns the data map together with every
// distinct ciphertext chunk, including those of any shrink levels.
func (e *Encryptor) Encrypt(ctx context.Context, data []byte) (datamap.DataMap, []Chunk, error) {
	sink := newCollector()
	dm, err := e.EncryptReaderAt(ctx, bytes.NewReader(data), int64(len(data)), sink)
	if err != nil {
		return datamap.DataMap{}, nil, err
	}
	return dm, sink.sorted(), nil
}

// EncryptFile encrypts the file at path, handing every chunk to sink.
func (e *Encryptor) EncryptFile(ctx context.Context, path string, sink storage.Putter) (datamap.DataMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return datamap.DataMap{}, xerrors.Wrap(xerrors.KindInvalid, "selfenc.EncryptFile", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return datamap.DataMap{}, xerrors.Wrap(xerrors.KindInvalid, "selfenc.EncryptFile", path, err)
	}
	if !info.Mode().IsRegular() {
		return datamap.DataMap{}, xerrors.E(xerrors.KindInvalid, "selfenc.EncryptFile", path)
	}
	return e.EncryptReaderAt(ctx, f, info.Size(), sink)
}

// EncryptReaderAt encrypts size bytes of r. The source is read twice: once
// to hash every chunk and once to encrypt it. Chunks are handed to sink as
// they are produced; the returned map is shrunk until it encodes to at most
// MaxMapSize bytes or can shrink no further.
//
// A shrink level only helps when a chunk holds more than one encoded chunk
// descriptor, about 80 bytes. With a smaller MaxChunkSize, or once the map is
// down to three chunks or MaxShrinkDepth levels, the returned map may encode
// to more than MaxMapSize. This is not an error; callers that need the bound
// should check EncodedSize.
func (e *Encryptor) EncryptReaderAt(ctx context.Context, r io.ReaderAt, size int64, sink storage.Putter) (datamap.DataMap, error) {
	if size < 0 {
		return datamap.DataMap{}, xerrors.E(xerrors.KindInvalid, "selfenc.Encrypt", "negative size")
	}
	if sink == nil {
		return datamap.DataMap{}, xerrors.E(xerrors.KindInvalid, "selfenc.Encrypt", "nil sink")
	}
	dm, err := e.encryptLevel(ctx, r, size, sink)
	if err != nil {
		return datamap.DataMap{}, err
	}
	e.log().WithFields(logrus.Fields{
		"size":   size,
		"chunks": dm.Len(),
	}).Debug("encrypted")
	return e.shrink(ctx, dm, sink)
}

// encryptLevel runs the two-pass pipeline over one plaintext.
func (e *Encryptor) encryptLevel(ctx context.Context, r io.ReaderAt, size int64, sink storage.Putter) (datamap.DataMap, error) {
	reader := chunker.NewReader(r, size, e.maxChunkSize())
	spans := reader.Spans()
	if len(spans) == 0 {
		return datamap.DataMap{Chunks: []datamap.ChunkInfo{}, OriginalSize: 0}, nil
	}

	// Pass 1: plaintext hashes. Every chunk's key depends on its neighbours,
	// so nothing can be encrypted until all of them are known.
	hashes := make([]xorname.XorName, len(spans))
	err := e.eachChunk(ctx, reader, func(_ context.Context, raw chunker.RawChunk) error {
		hashes[raw.Index] = xorname.Hash(raw.Data)
		return nil
	})
	if err != nil {
		return datamap.DataMap{}, err
	}

	// Pass 2: derive, encrypt and emit.
	reader.Reset()
	infos := make([]datamap.ChunkInfo, len(spans))
	err = e.eachChunk(ctx, reader, func(ctx context.Context, raw chunker.RawChunk) error {
		params, err := encryption.ParamsAt(hashes, raw.Index)
		if err != nil {
			return err
		}
		ct, err := encryption.Encrypt(raw.Data, params)
		if err != nil {
			return err
		}
		addr := xorname.Hash(ct)
		if err := sink.Put(ctx, addr, ct); err != nil {
			return xerrors.Wrap(xerrors.KindWrite, "selfenc.Encrypt", addr.String(), err)
		}
		infos[raw.Index] = datamap.ChunkInfo{
			Index:    uint32(raw.Index),
			PreHash:  hashes[raw.Index],
			PostHash: addr,
			Size:     uint64(raw.Size),
		}
		return nil
	})
	if err != nil {
		return datamap.DataMap{}, err
	}
	return datamap.DataMap{Chunks: infos, OriginalSize: uint64(size)}, nil
}

// eachChunk reads chunks in order and runs fn on them with bounded
// parallelism. It returns after every fn has finished.
func (e *Encryptor) eachChunk(ctx context.Context, reader *chunker.Reader, fn func(context.Context, chunker.RawChunk) error) error {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.concurrency())
	var readErr error
	for gctx.Err() == nil {
		raw, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = xerrors.Wrap(xerrors.KindInvalid, "selfenc.read", "", err)
			break
		}
		group.Go(func() error { return fn(gctx, raw) })
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if readErr != nil {
		return readErr
	}
	return ctx.Err()
}

// shrink re-encrypts the encoded map until it is small enough. Each level
// is collected in memory first and only flushed to sink when it actually
// reduces the encoded size.
func (e *Encryptor) shrink(ctx context.Context, dm datamap.DataMap, sink storage.Putter) (datamap.DataMap, error) {
	limit := e.maxMapSize()
	for dm.Child < datamap.MaxShrinkDepth && dm.Len() > chunker.MinChunks {
		encoded, err := dm.Marshal()
		if err != nil {
			return datamap.DataMap{}, err
		}
		if len(encoded) <= limit {
			break
		}
		level := newCollector()
		next, err := e.encryptLevel(ctx, bytes.NewReader(encoded), int64(len(encoded)), level)
		if err != nil {
			return datamap.DataMap{}, err
		}
		next.Child = dm.Child + 1
		nextSize, err := next.EncodedSize()
		if err != nil {
			return datamap.DataMap{}, err
		}
		if nextSize >= len(encoded) {
			e.log().WithFields(logrus.Fields{
				"shrink_level": dm.Child,
				"size":         len(encoded),
			}).Warn("data map does not shrink with this chunk size")
			break
		}
		for _, c := range level.sorted() {
			if err := sink.Put(ctx, c.Address, c.Content); err != nil {
				return datamap.DataMap{}, xerrors.Wrap(xerrors.KindWrite, "selfenc.shrink", c.Address.String(), err)
			}
		}
		e.log().WithFields(logrus.Fields{
			"shrink_level": next.Child,
			"from":         len(encoded),
			"to":           nextSize,
			"chunks":       next.Len(),
		}).Debug("shrunk data map")
		dm = next
	}
	return dm, nil
}
