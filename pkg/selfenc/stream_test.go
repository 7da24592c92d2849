package selfenc

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jacktea/selfenc/pkg/storage"
	"github.com/jacktea/selfenc/pkg/xerrors"
	"github.com/jacktea/selfenc/pkg/xorname"
)

// jitterGetter delays every batch by a random amount so that batches
// complete out of order, and records the peak number of chunks in flight.
type jitterGetter struct {
	store    *storage.MemoryStore
	mu       sync.Mutex
	rng      *rand.Rand
	inFlight atomic.Int32
	peak     atomic.Int32
	batches  atomic.Int32
}

func newJitterGetter(store *storage.MemoryStore) *jitterGetter {
	return &jitterGetter{store: store, rng: rand.New(rand.NewSource(1))}
}

func (j *jitterGetter) GetBatch(ctx context.Context, addrs []xorname.XorName) ([][]byte, error) {
	j.batches.Add(1)
	now := j.inFlight.Add(int32(len(addrs)))
	defer j.inFlight.Add(-int32(len(addrs)))
	for {
		peak := j.peak.Load()
		if now <= peak || j.peak.CompareAndSwap(peak, now) {
			break
		}
	}
	j.mu.Lock()
	delay := time.Duration(j.rng.Intn(2000)) * time.Microsecond
	j.mu.Unlock()
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return j.store.GetBatch(ctx, addrs)
}

func TestStreamMatchesSequential(t *testing.T) {
	ctx := context.Background()
	data := testData(40*512+3, 51)
	dm, chunks, err := (&Encryptor{MaxChunkSize: 512, MaxMapSize: 1 << 30}).Encrypt(ctx, data)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	store := storeOf(t, chunks)
	sequential, err := DecryptBytes(ctx, dm, store)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	for window := 1; window <= dm.Len()+2; window += 3 {
		for _, batch := range []int{1, 2, 5} {
			g := newJitterGetter(store)
			var out bytes.Buffer
			err := StreamDecrypt(ctx, dm, g, &out, StreamOptions{Window: window, BatchSize: batch})
			if err != nil {
				t.Fatalf("window %d batch %d: %v", window, batch, err)
			}
			if !bytes.Equal(out.Bytes(), sequential) {
				t.Fatalf("window %d batch %d: output differs from sequential decrypt", window, batch)
			}
			if peak := int(g.peak.Load()); peak > window {
				t.Fatalf("window %d batch %d: %d chunks in flight", window, batch, peak)
			}
		}
	}
}

func TestStreamBatchesContiguousRuns(t *testing.T) {
	ctx := context.Background()
	dm, chunks, _ := (&Encryptor{MaxChunkSize: 512, MaxMapSize: 1 << 30}).Encrypt(ctx, testData(20*512, 52))
	g := newJitterGetter(storeOf(t, chunks))
	var out bytes.Buffer
	if err := StreamDecrypt(ctx, dm, g, &out, StreamOptions{Window: 8, BatchSize: 4}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got := g.batches.Load(); got != 5 {
		t.Fatalf("expected 5 batches for 20 chunks, got %d", got)
	}
}

func TestStreamDefaults(t *testing.T) {
	opts := StreamOptions{}.normalize()
	if opts.Window != DefaultWindow || opts.BatchSize != DefaultBatchSize || opts.Logger == nil {
		t.Fatalf("unexpected defaults %+v", opts)
	}
	opts = StreamOptions{Window: 2, BatchSize: 10}.normalize()
	if opts.BatchSize != 2 {
		t.Fatalf("batch size should be clipped to the window, got %d", opts.BatchSize)
	}
}

type failingWriter struct {
	limit   int
	written int
}

func (f *failingWriter) Write(p []byte) (int, error) {
	if f.written+len(p) > f.limit {
		return 0, errors.New("device full")
	}
	f.written += len(p)
	return len(p), nil
}

func TestStreamWriterFailure(t *testing.T) {
	ctx := context.Background()
	dm, chunks, _ := (&Encryptor{MaxChunkSize: 512, MaxMapSize: 1 << 30}).Encrypt(ctx, testData(30*512, 53))
	w := &failingWriter{limit: 5 * 512}
	err := StreamDecrypt(ctx, dm, newJitterGetter(storeOf(t, chunks)), w, StreamOptions{Window: 4, BatchSize: 2})
	if !xerrors.Is(err, xerrors.KindWrite) {
		t.Fatalf("expected write error, got %v", err)
	}
	if w.written != 5*512 {
		t.Fatalf("expected 5 chunks written before failure, got %d bytes", w.written)
	}
}

func TestStreamCancellation(t *testing.T) {
	dm, chunks, _ := (&Encryptor{MaxChunkSize: 512, MaxMapSize: 1 << 30}).Encrypt(context.Background(), testData(30*512, 54))
	store := storeOf(t, chunks)
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	bg := storage.BatchGetterFunc(func(ctx context.Context, addrs []xorname.XorName) ([][]byte, error) {
		if calls.Add(1) == 3 {
			cancel()
		}
		return store.GetBatch(ctx, addrs)
	})
	var out bytes.Buffer
	err := StreamDecrypt(ctx, dm, bg, &out, StreamOptions{Window: 2, BatchSize: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestStreamShortBatch(t *testing.T) {
	ctx := context.Background()
	dm, chunks, _ := (&Encryptor{MaxChunkSize: 512, MaxMapSize: 1 << 30}).Encrypt(ctx, testData(10*512, 55))
	store := storeOf(t, chunks)
	bg := storage.BatchGetterFunc(func(ctx context.Context, addrs []xorname.XorName) ([][]byte, error) {
		out, err := store.GetBatch(ctx, addrs)
		if err != nil {
			return nil, err
		}
		return out[:len(out)-1], nil
	})
	var out bytes.Buffer
	if err := StreamDecrypt(ctx, dm, bg, &out, StreamOptions{Window: 4, BatchSize: 2}); !xerrors.Is(err, xerrors.KindInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
}
