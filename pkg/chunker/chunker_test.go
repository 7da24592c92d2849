package chunker

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestCountLaw(t *testing.T) {
	testcases := []struct {
		size, max int64
		want      int
	}{
		{size: 0, max: MaxChunkSize, want: 0},
		{size: 1, max: MaxChunkSize, want: 1},
		{size: 2, max: MaxChunkSize, want: 1},
		{size: 3, max: MaxChunkSize, want: 3},
		{size: 3 * MaxChunkSize, max: MaxChunkSize, want: 3},
		{size: 3*MaxChunkSize + 1, max: MaxChunkSize, want: 4},
		{size: 10_000_000, max: MaxChunkSize, want: 10},
		{size: 1000, max: 100, want: 10},
		{size: 1001, max: 100, want: 11},
	}
	for _, tc := range testcases {
		if got := Count(tc.size, tc.max); got != tc.want {
			t.Fatalf("Count(%d, %d) = %d, want %d", tc.size, tc.max, got, tc.want)
		}
	}
}

func TestSizesNearEqualPartition(t *testing.T) {
	for _, size := range []int64{3, 4, 5, 17, 1000, 1001, 4096, 99_999} {
		sizes := Sizes(size, 100)
		if len(sizes) != Count(size, 100) {
			t.Fatalf("size %d: got %d chunks", size, len(sizes))
		}
		var sum, lo, hi int64
		lo = sizes[0]
		for _, s := range sizes {
			sum += s
			if s < lo {
				lo = s
			}
			if s > hi {
				hi = s
			}
			if s < MinChunkSize || s > 100 {
				t.Fatalf("size %d: chunk of %d bytes out of bounds", size, s)
			}
		}
		if sum != size {
			t.Fatalf("size %d: sum %d", size, sum)
		}
		if hi-lo > 1 {
			t.Fatalf("size %d: chunks differ by %d", size, hi-lo)
		}
	}
}

func TestLayoutOffsetsAreContiguous(t *testing.T) {
	spans := Layout(1001, 100)
	var off int64
	for i, s := range spans {
		if s.Index != i || s.Offset != off {
			t.Fatalf("span %d: %+v, expected offset %d", i, s, off)
		}
		off += s.Size
	}
	if off != 1001 {
		t.Fatalf("layout covers %d bytes", off)
	}
}

func TestReaderResetRereads(t *testing.T) {
	payload := bytes.Repeat([]byte("chunker-data"), 50)
	r := NewReader(bytes.NewReader(payload), int64(len(payload)), 64)
	var first bytes.Buffer
	count := 0
	for {
		c, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if c.Index != count {
			t.Fatalf("expected index %d got %d", count, c.Index)
		}
		first.Write(c.Data)
		count++
	}
	if !bytes.Equal(first.Bytes(), payload) {
		t.Fatalf("chunks do not reassemble the payload")
	}
	r.Reset()
	c, err := r.Next()
	if err != nil || c.Index != 0 {
		t.Fatalf("reset should restart at chunk 0: %+v %v", c.Span, err)
	}
}

func TestReadSpanShortSource(t *testing.T) {
	_, err := ReadSpan(bytes.NewReader([]byte("ab")), Span{Index: 0, Offset: 0, Size: 5})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}
