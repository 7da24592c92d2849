// Package encryption derives per-chunk cipher parameters from neighbouring
// chunk hashes and applies the chunk cipher: an XOR obfuscation pad followed
// by AES-256 in CTR mode.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/jacktea/selfenc/pkg/xerrors"
	"github.com/jacktea/selfenc/pkg/xorname"
)

const (
	// KeySize is the AES-256 key width.
	KeySize = 32
	// IVSize is the CTR initial counter width.
	IVSize = aes.BlockSize
)

// padContext is mixed into the pad stream so the pad never equals a plain
// BLAKE3 output of the same seed.
var padContext = []byte("selfenc.pad.v1")

// Params holds the ephemeral parameters for one chunk. They are recomputed
// from the data map on every decrypt and never stored.
type Params struct {
	Key     [KeySize]byte
	IV      [IVSize]byte
	PadSeed [xorname.Size]byte
}

// Derive computes the parameters for a chunk from the pre-encryption hashes
// of its previous, own and next chunk.
func Derive(prev, cur, next xorname.XorName) Params {
	var p Params
	p.Key = xorname.HashConcat(prev, cur)
	iv := xorname.HashConcat(cur, next)
	copy(p.IV[:], iv[:IVSize])
	p.PadSeed = xorname.HashConcat(prev, cur, next)
	return p
}

// DeriveSingle computes parameters for a lone chunk with no neighbours.
func DeriveSingle(cur xorname.XorName) Params {
	return Derive(cur, cur, cur)
}

// Neighbors returns the circular (previous, current, next) triple for chunk i.
func Neighbors(hashes []xorname.XorName, i int) (prev, cur, next xorname.XorName) {
	n := len(hashes)
	return hashes[(i+n-1)%n], hashes[i], hashes[(i+1)%n]
}

// ParamsAt derives the parameters of chunk i from the full pre-hash array.
func ParamsAt(hashes []xorname.XorName, i int) (Params, error) {
	if i < 0 || i >= len(hashes) {
		return Params{}, xerrors.Wrap(xerrors.KindInvalid, "encryption.ParamsAt", "",
			fmt.Errorf("index %d out of range for %d chunks", i, len(hashes)))
	}
	if len(hashes) == 1 {
		return DeriveSingle(hashes[0]), nil
	}
	return Derive(Neighbors(hashes, i)), nil
}

// Pad stretches seed into an n-byte obfuscation mask.
func Pad(seed [xorname.Size]byte, n int) []byte {
	out := make([]byte, n)
	fillPad(seed, out)
	return out
}

func fillPad(seed [xorname.Size]byte, out []byte) {
	h, err := blake3.NewKeyed(seed[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic(err)
	}
	h.Write(padContext)
	if _, err := h.Digest().Read(out); err != nil {
		panic(err)
	}
}

// Encrypt masks data with the pad and encrypts the result. The ciphertext is
// the same length as data.
func Encrypt(data []byte, p Params) ([]byte, error) {
	stream, err := newStream(p.Key[:], p.IV[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	fillPad(p.PadSeed, out)
	for i := range out {
		out[i] ^= data[i]
	}
	stream.XORKeyStream(out, out)
	return out, nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext []byte, p Params) ([]byte, error) {
	stream, err := newStream(p.Key[:], p.IV[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	stream.XORKeyStream(out, ciphertext)
	pad := Pad(p.PadSeed, len(out))
	for i := range out {
		out[i] ^= pad[i]
	}
	return out, nil
}

func newStream(key, iv []byte) (cipher.Stream, error) {
	if len(key) != KeySize {
		return nil, xerrors.Wrap(xerrors.KindCipher, "encryption", "",
			fmt.Errorf("aes-256-ctr requires %d-byte key, got %d", KeySize, len(key)))
	}
	if len(iv) != IVSize {
		return nil, xerrors.Wrap(xerrors.KindCipher, "encryption", "",
			fmt.Errorf("aes-256-ctr requires %d-byte iv, got %d", IVSize, len(iv)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindCipher, "encryption", "", err)
	}
	return cipher.NewCTR(block, iv), nil
}
