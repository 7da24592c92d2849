// Package selfenc turns a plaintext into content-addressed ciphertext chunks
// and a data map, and back again. Each chunk is encrypted with parameters
// derived from the plaintext hashes of itself and its two neighbours, so no
// key is ever stored and identical inputs converge to identical output.
package selfenc

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jacktea/selfenc/pkg/chunker"
	"github.com/jacktea/selfenc/pkg/datamap"
	"github.com/jacktea/selfenc/pkg/xorname"
)

// Chunk is one ciphertext chunk produced by the encryptor.
type Chunk struct {
	Address xorname.XorName
	Content []byte
}

// Encryptor holds the tunables of the encryption pipeline. The zero value
// uses the package defaults.
type Encryptor struct {
	// MaxChunkSize caps the plaintext size of a chunk.
	MaxChunkSize int64
	// MaxMapSize is the largest encoded data map returned without shrinking.
	MaxMapSize int
	// Concurrency bounds the chunks hashed or encrypted at once.
	Concurrency int
	Logger      logrus.FieldLogger
}

func (e *Encryptor) maxChunkSize() int64 {
	if e == nil || e.MaxChunkSize <= 0 {
		return chunker.MaxChunkSize
	}
	return e.MaxChunkSize
}

func (e *Encryptor) maxMapSize() int {
	if e == nil || e.MaxMapSize <= 0 {
		return datamap.MaxMapSize
	}
	return e.MaxMapSize
}

func (e *Encryptor) concurrency() int {
	if e == nil || e.Concurrency <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return e.Concurrency
}

func (e *Encryptor) log() logrus.FieldLogger {
	if e == nil || e.Logger == nil {
		return logrus.StandardLogger()
	}
	return e.Logger
}

// Encrypt encrypts data with the default Encryptor.
func Encrypt(ctx context.Context, data []byte) (datamap.DataMap, []Chunk, error) {
	return (&Encryptor{}).Encrypt(ctx, data)
}

// collector is an in-memory sink that drops duplicate addresses.
type collector struct {
	mu     sync.Mutex
	order  []xorname.XorName
	chunks map[xorname.XorName][]byte
}

func newCollector() *collector {
	return &collector{chunks: make(map[xorname.XorName][]byte)}
}

func (c *collector) Put(_ context.Context, addr xorname.XorName, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.chunks[addr]; ok {
		return nil
	}
	c.order = append(c.order, addr)
	c.chunks[addr] = data
	return nil
}

// sorted returns the collected chunks ordered by address.
func (c *collector) sorted() []Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Chunk, 0, len(c.order))
	for _, addr := range c.order {
		out = append(out, Chunk{Address: addr, Content: c.chunks[addr]})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Compare(out[j].Address) < 0
	})
	return out
}
