package encryption

import (
	"bytes"
	"testing"

	"github.com/jacktea/selfenc/pkg/xerrors"
	"github.com/jacktea/selfenc/pkg/xorname"
)

func testHashes(n int) []xorname.XorName {
	out := make([]xorname.XorName, n)
	for i := range out {
		out[i] = xorname.Hash([]byte{byte(i), 0x42})
	}
	return out
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	hashes := testHashes(3)
	params, err := ParamsAt(hashes, 1)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	plaintext := []byte("top-secret")
	ciphertext, err := Encrypt(plaintext, params)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(ciphertext) != len(plaintext) {
		t.Fatalf("ciphertext length %d, want %d", len(ciphertext), len(plaintext))
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatalf("ciphertext equals plaintext")
	}
	got, err := Decrypt(ciphertext, params)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("unexpected plaintext %q", got)
	}
}

func TestEncryptIsDeterministic(t *testing.T) {
	params := Derive(testHashes(3)[0], testHashes(3)[1], testHashes(3)[2])
	payload := bytes.Repeat([]byte{0x78}, 4096)
	a, err := Encrypt(payload, params)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := Encrypt(payload, params)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("same parameters must produce identical ciphertext")
	}
}

func TestNeighborsWrapAround(t *testing.T) {
	hashes := testHashes(4)
	prev, cur, next := Neighbors(hashes, 0)
	if prev != hashes[3] || cur != hashes[0] || next != hashes[1] {
		t.Fatalf("chunk 0 should see chunk 3 as previous")
	}
	prev, cur, next = Neighbors(hashes, 3)
	if prev != hashes[2] || cur != hashes[3] || next != hashes[0] {
		t.Fatalf("last chunk should see chunk 0 as next")
	}
}

func TestDeriveDependsOnEveryNeighbor(t *testing.T) {
	h := testHashes(4)
	base := Derive(h[0], h[1], h[2])
	if Derive(h[3], h[1], h[2]).Key == base.Key {
		t.Fatalf("key should depend on previous hash")
	}
	if Derive(h[0], h[1], h[3]).IV == base.IV {
		t.Fatalf("iv should depend on next hash")
	}
	if Derive(h[0], h[1], h[3]).PadSeed == base.PadSeed {
		t.Fatalf("pad should depend on next hash")
	}
	if Derive(h[0], h[1], h[3]).Key != base.Key {
		t.Fatalf("key should not depend on next hash")
	}
}

func TestParamsAtSingleChunk(t *testing.T) {
	h := testHashes(1)
	p, err := ParamsAt(h, 0)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if p != DeriveSingle(h[0]) {
		t.Fatalf("single chunk should use DeriveSingle")
	}
	if _, err := ParamsAt(h, 1); !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("expected invalid index error, got %v", err)
	}
}

func TestPadIsPrefixStable(t *testing.T) {
	seed := xorname.Hash([]byte("seed"))
	short := Pad(seed, 16)
	long := Pad(seed, 1024)
	if !bytes.Equal(short, long[:16]) {
		t.Fatalf("pad should extend, not change, with length")
	}
}

func TestNewStreamRejectsBadKey(t *testing.T) {
	if _, err := newStream([]byte("short"), make([]byte, IVSize)); !xerrors.Is(err, xerrors.KindCipher) {
		t.Fatalf("expected cipher error, got %v", err)
	}
	if _, err := newStream(make([]byte, KeySize), []byte("iv")); !xerrors.Is(err, xerrors.KindCipher) {
		t.Fatalf("expected cipher error, got %v", err)
	}
}
