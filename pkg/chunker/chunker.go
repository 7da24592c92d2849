// Package chunker computes the size-only chunk layout of a plaintext and
// reads its raw chunks lazily from a seekable source.
package chunker

import (
	"fmt"
	"io"
)

const (
	// MinChunkSize is the smallest chunk the layout produces.
	MinChunkSize = 1
	// MaxChunkSize is the default upper bound on a chunk.
	MaxChunkSize = 1 << 20
	// MinChunks is the chunk count floor for neighbour-based key derivation.
	MinChunks = 3
	// MinEncryptableBytes is the smallest input laid out as MinChunks chunks.
	// Anything shorter is encrypted as a single chunk.
	MinEncryptableBytes = MinChunks * MinChunkSize
)

// Span locates one raw chunk in the plaintext.
type Span struct {
	Index  int
	Offset int64
	Size   int64
}

// RawChunk is a span together with its plaintext bytes.
type RawChunk struct {
	Span
	Data []byte
}

// Count returns the number of chunks for a plaintext of size bytes.
func Count(size, maxChunk int64) int {
	if maxChunk <= 0 {
		maxChunk = MaxChunkSize
	}
	switch {
	case size <= 0:
		return 0
	case size < MinEncryptableBytes:
		return 1
	}
	n := (size + maxChunk - 1) / maxChunk
	if n < MinChunks {
		n = MinChunks
	}
	return int(n)
}

// Sizes partitions size into Count(size, maxChunk) near-equal chunks. The
// first size%n chunks are one byte larger than the rest.
func Sizes(size, maxChunk int64) []int64 {
	n := Count(size, maxChunk)
	if n == 0 {
		return nil
	}
	base := size / int64(n)
	rem := size % int64(n)
	out := make([]int64, n)
	for i := range out {
		out[i] = base
		if int64(i) < rem {
			out[i]++
		}
	}
	return out
}

// Layout returns the spans of every chunk, in index order.
func Layout(size, maxChunk int64) []Span {
	sizes := Sizes(size, maxChunk)
	spans := make([]Span, len(sizes))
	var off int64
	for i, s := range sizes {
		spans[i] = Span{Index: i, Offset: off, Size: s}
		off += s
	}
	return spans
}

// Reader yields the raw chunks of a source in index order. The source must
// support ReadAt; Reset starts again from offset zero, which is how the
// encryptor re-reads the plaintext for its second pass.
type Reader struct {
	src   io.ReaderAt
	spans []Span
	next  int
}

// NewReader returns a Reader over size bytes of src.
func NewReader(src io.ReaderAt, size, maxChunk int64) *Reader {
	return &Reader{src: src, spans: Layout(size, maxChunk)}
}

// Spans returns the layout the reader walks.
func (r *Reader) Spans() []Span { return r.spans }

// Next returns the next raw chunk or io.EOF after the last one.
func (r *Reader) Next() (RawChunk, error) {
	if r.next >= len(r.spans) {
		return RawChunk{}, io.EOF
	}
	span := r.spans[r.next]
	data, err := ReadSpan(r.src, span)
	if err != nil {
		return RawChunk{}, err
	}
	r.next++
	return RawChunk{Span: span, Data: data}, nil
}

// Reset rewinds the reader to the first chunk.
func (r *Reader) Reset() { r.next = 0 }

// ReadSpan reads exactly the bytes of span from src.
func ReadSpan(src io.ReaderAt, span Span) ([]byte, error) {
	buf := make([]byte, span.Size)
	n, err := src.ReadAt(buf, span.Offset)
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("chunker: read chunk %d at %d: %w", span.Index, span.Offset, err)
}
