package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jacktea/selfenc/pkg/xorname"
)

func TestPathStore(t *testing.T) {
	root := t.TempDir()
	s, err := NewPathStore(root, PathOptions{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	exerciseStore(t, s)

	addr := xorname.Hash([]byte("alpha"))
	name := addr.String()
	if _, err := os.Stat(filepath.Join(root, name[:2], name[2:4], name)); err != nil {
		t.Fatalf("expected fan-out layout: %v", err)
	}
	if err := s.Delete(context.Background(), addr); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := s.Exists(context.Background(), addr); ok {
		t.Fatal("expected chunk removed")
	}
	// Deleting twice is not an error.
	if err := s.Delete(context.Background(), addr); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestPathStoreFlat(t *testing.T) {
	root := t.TempDir()
	s, err := NewPathStore(root, PathOptions{Flat: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	addr := putChunk(t, s, []byte("flat"))
	if _, err := os.Stat(filepath.Join(root, addr.String())); err != nil {
		t.Fatalf("expected flat layout: %v", err)
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, temp files left behind: %d", len(entries))
	}
}

func TestPathStoreRequiresRoot(t *testing.T) {
	if _, err := NewPathStore("", PathOptions{}); err == nil {
		t.Fatal("expected error for empty root")
	}
}
