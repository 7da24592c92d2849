// Package xorname defines the fixed-width content digest used both as a
// chunk's storage address and as key-derivation input.
package xorname

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Size is the digest width in bytes.
const Size = 32

// XorName is a SHA3-256 content digest.
type XorName [Size]byte

// Hash returns the digest of data.
func Hash(data []byte) XorName {
	return XorName(sha3.Sum256(data))
}

// HashConcat returns the digest of the concatenation of names, without
// materialising the joined buffer.
func HashConcat(names ...XorName) XorName {
	h := sha3.New256()
	for i := range names {
		h.Write(names[i][:])
	}
	var out XorName
	h.Sum(out[:0])
	return out
}

// Parse decodes the hex form produced by String.
func Parse(s string) (XorName, error) {
	var x XorName
	if len(s) != hex.EncodedLen(Size) {
		return x, fmt.Errorf("xorname: expected %d hex characters, got %d", hex.EncodedLen(Size), len(s))
	}
	if _, err := hex.Decode(x[:], []byte(s)); err != nil {
		return x, fmt.Errorf("xorname: %w", err)
	}
	return x, nil
}

// String returns the lowercase hex encoding.
func (x XorName) String() string {
	return hex.EncodeToString(x[:])
}

// Short returns an abbreviated form for logs.
func (x XorName) Short() string {
	return hex.EncodeToString(x[:4])
}

// IsZero reports whether x is the zero digest.
func (x XorName) IsZero() bool {
	return x == XorName{}
}

// Compare orders names bytewise.
func (x XorName) Compare(y XorName) int {
	return bytes.Compare(x[:], y[:])
}

// MarshalText implements encoding.TextMarshaler.
func (x XorName) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(Size))
	hex.Encode(out, x[:])
	return out, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (x *XorName) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*x = parsed
	return nil
}
