// Package datamap holds the reconstruction metadata of a self-encrypted
// plaintext: one descriptor per ciphertext chunk plus the shrink level.
package datamap

import (
	"fmt"
	"sort"

	"github.com/jacktea/selfenc/pkg/chunker"
	"github.com/jacktea/selfenc/pkg/xerrors"
	"github.com/jacktea/selfenc/pkg/xorname"
)

const (
	// MaxMapSize is the default largest encoded map handed back to a caller
	// without shrinking.
	MaxMapSize = 1 << 10
	// MaxShrinkDepth bounds the child chain walked while unshrinking.
	MaxShrinkDepth = 32
)

// ChunkInfo describes one ciphertext chunk.
type ChunkInfo struct {
	Index uint32 `json:"index" cbor:"1,keyasint"`
	// PreHash is the digest of the plaintext chunk. It feeds key derivation
	// and the integrity check after decryption.
	PreHash xorname.XorName `json:"pre_hash" cbor:"2,keyasint"`
	// PostHash is the digest of the ciphertext and the chunk's storage address.
	PostHash xorname.XorName `json:"post_hash" cbor:"3,keyasint"`
	Size     uint64          `json:"size" cbor:"4,keyasint"`
}

// DataMap is the ordered set of chunk descriptors for one plaintext.
//
// Child is the shrink level. Zero means the chunks describe the caller's
// data. A map at level k > 0 describes the encoded bytes of a map at level
// k-1, so unshrinking strictly descends and always terminates.
type DataMap struct {
	Chunks       []ChunkInfo `json:"chunks" cbor:"1,keyasint"`
	OriginalSize uint64      `json:"original_size" cbor:"2,keyasint"`
	Child        uint32      `json:"child,omitempty" cbor:"3,keyasint,omitempty"`
}

// New builds a map from descriptors, sorting them by index.
func New(chunks []ChunkInfo, originalSize uint64) DataMap {
	sorted := append([]ChunkInfo(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	return DataMap{Chunks: sorted, OriginalSize: originalSize}
}

// Len returns the number of chunks.
func (m DataMap) Len() int { return len(m.Chunks) }

// IsShrunk reports whether the map describes another map rather than user data.
func (m DataMap) IsShrunk() bool { return m.Child > 0 }

// Small reports whether the map uses the single-chunk mode reserved for
// inputs below chunker.MinEncryptableBytes.
func (m DataMap) Small() bool { return m.OriginalSize < chunker.MinEncryptableBytes }

// PreHashes returns the pre-encryption digests in index order.
func (m DataMap) PreHashes() []xorname.XorName {
	out := make([]xorname.XorName, len(m.Chunks))
	for i, c := range m.Chunks {
		out[i] = c.PreHash
	}
	return out
}

// Addresses returns the storage addresses in index order.
func (m DataMap) Addresses() []xorname.XorName {
	out := make([]xorname.XorName, len(m.Chunks))
	for i, c := range m.Chunks {
		out[i] = c.PostHash
	}
	return out
}

// Offsets returns the plaintext offset of every chunk.
func (m DataMap) Offsets() []uint64 {
	out := make([]uint64, len(m.Chunks))
	var off uint64
	for i, c := range m.Chunks {
		out[i] = off
		off += c.Size
	}
	return out
}

// Equal reports whether two maps are logically identical.
func (m DataMap) Equal(o DataMap) bool {
	if m.OriginalSize != o.OriginalSize || m.Child != o.Child || len(m.Chunks) != len(o.Chunks) {
		return false
	}
	for i := range m.Chunks {
		if m.Chunks[i] != o.Chunks[i] {
			return false
		}
	}
	return true
}

// Validate checks the structural invariants of the map.
func (m DataMap) Validate() error {
	const op = "datamap.Validate"
	malformed := func(format string, args ...any) error {
		return xerrors.Wrap(xerrors.KindMalformed, op, "", fmt.Errorf(format, args...))
	}
	if m.Child > MaxShrinkDepth {
		return malformed("shrink level %d exceeds %d", m.Child, MaxShrinkDepth)
	}
	n := len(m.Chunks)
	switch {
	case m.OriginalSize == 0:
		if n != 0 {
			return malformed("empty plaintext with %d chunks", n)
		}
	case m.Small():
		if n != 1 {
			return malformed("%d-byte plaintext needs 1 chunk, got %d", m.OriginalSize, n)
		}
	default:
		if n < chunker.MinChunks {
			return malformed("%d-byte plaintext needs at least %d chunks, got %d", m.OriginalSize, chunker.MinChunks, n)
		}
	}
	var sum, lo, hi uint64
	for i, c := range m.Chunks {
		if int(c.Index) != i {
			return malformed("chunk at position %d has index %d", i, c.Index)
		}
		if c.Size < chunker.MinChunkSize {
			return malformed("chunk %d is empty", i)
		}
		if i == 0 || c.Size < lo {
			lo = c.Size
		}
		if c.Size > hi {
			hi = c.Size
		}
		sum += c.Size
	}
	if sum != m.OriginalSize {
		return malformed("chunk sizes sum to %d, original size is %d", sum, m.OriginalSize)
	}
	if n > 0 && hi-lo > 1 {
		return malformed("chunk sizes range from %d to %d", lo, hi)
	}
	return nil
}
