package selfenc

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/selfenc/pkg/datamap"
	"github.com/jacktea/selfenc/pkg/storage"
	"github.com/jacktea/selfenc/pkg/xerrors"
	"github.com/jacktea/selfenc/pkg/xorname"
)

const (
	// DefaultWindow is the default number of chunks fetched ahead.
	DefaultWindow = 8
	// DefaultBatchSize is the default number of chunks per GetBatch call.
	DefaultBatchSize = 4
)

// StreamOptions tunes StreamDecrypt.
type StreamOptions struct {
	// Window bounds the chunks that are in flight or waiting to be written,
	// and so the memory held to Window times the chunk size.
	Window int
	// BatchSize is the number of consecutive chunks requested per GetBatch.
	// It is clipped to Window.
	BatchSize int
	Logger    logrus.FieldLogger
}

func (o StreamOptions) normalize() StreamOptions {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchSize > o.Window {
		o.BatchSize = o.Window
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// StreamDecrypt writes the plaintext described by dm to w, fetching up to
// opts.Window chunks ahead in batches. Chunks are written in index order
// whatever order the fetches complete in. The first failure cancels every
// outstanding fetch.
func StreamDecrypt(ctx context.Context, dm datamap.DataMap, bg storage.BatchGetter, w io.Writer, opts StreamOptions) error {
	opts = opts.normalize()
	level := func(ctx context.Context, dm datamap.DataMap, w io.Writer) error {
		return decryptWindowed(ctx, dm, bg, w, opts)
	}
	dm, err := unshrink(ctx, dm, level)
	if err != nil {
		return err
	}
	opts.Logger.WithFields(logrus.Fields{
		"chunks": dm.Len(),
		"size":   dm.OriginalSize,
		"window": opts.Window,
		"batch":  opts.BatchSize,
	}).Debug("stream decrypt")
	return level(ctx, dm, w)
}

type decrypted struct {
	index int
	data  []byte
}

func decryptWindowed(ctx context.Context, dm datamap.DataMap, bg storage.BatchGetter, w io.Writer, opts StreamOptions) error {
	if err := dm.Validate(); err != nil {
		return err
	}
	n := dm.Len()
	if n == 0 {
		return nil
	}
	hashes := dm.PreHashes()
	addrs := dm.Addresses()

	group, gctx := errgroup.WithContext(ctx)
	// One token per chunk between dispatch and write. Tokens are taken in
	// index order, so the next chunk to write is always in flight or done.
	tokens := make(chan struct{}, opts.Window)
	results := make(chan decrypted, opts.Window)

	group.Go(func() error {
		for start := 0; start < n; start += opts.BatchSize {
			if err := gctx.Err(); err != nil {
				return err
			}
			end := min(start+opts.BatchSize, n)
			for i := start; i < end; i++ {
				select {
				case tokens <- struct{}{}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			start := start
			group.Go(func() error {
				return fetchRun(gctx, dm, hashes, addrs[start:end], start, bg, results)
			})
		}
		return nil
	})

	group.Go(func() error {
		pending := make(map[int][]byte, opts.Window)
		next := 0
		for next < n {
			select {
			case res := <-results:
				pending[res.index] = res.data
			case <-gctx.Done():
				return gctx.Err()
			}
			for {
				data, ok := pending[next]
				if !ok {
					break
				}
				if _, err := w.Write(data); err != nil {
					return xerrors.Wrap(xerrors.KindWrite, "selfenc.StreamDecrypt", dm.Chunks[next].PostHash.String(), err)
				}
				delete(pending, next)
				next++
				<-tokens
			}
		}
		return nil
	})

	return group.Wait()
}

// fetchRun fetches and decrypts the consecutive chunks starting at start.
func fetchRun(ctx context.Context, dm datamap.DataMap, hashes, addrs []xorname.XorName, start int, bg storage.BatchGetter, results chan<- decrypted) error {
	cts, err := bg.GetBatch(ctx, addrs)
	if err != nil {
		return err
	}
	if len(cts) != len(addrs) {
		return xerrors.Wrap(xerrors.KindInternal, "selfenc.StreamDecrypt", "",
			fmt.Errorf("batch returned %d chunks for %d addresses", len(cts), len(addrs)))
	}
	for k, ct := range cts {
		i := start + k
		plain, err := decryptChunk(hashes, i, dm.Chunks[i], ct)
		if err != nil {
			return err
		}
		select {
		case results <- decrypted{index: i, data: plain}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
