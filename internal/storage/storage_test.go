package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var (
	_ Store = (*Local)(nil)
	_ Store = (*S3)(nil)
	_ Store = (*GCS)(nil)
)

func TestLocalPutGetDelete(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocal(root)
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	ctx := context.Background()
	key := "file-backups/2026/03/01/shop_full_20260301_020000.tar.gz"

	if err := store.Put(ctx, key, strings.NewReader("archive"), 7); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if ok, _ := store.Exists(ctx, key); !ok {
		t.Fatalf("expected object to exist")
	}
	rc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "archive" {
		t.Fatalf("unexpected content %q", data)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("expected deleting a missing object to succeed, got %v", err)
	}
}

func TestLocalKeysCannotEscapeRoot(t *testing.T) {
	root := t.TempDir()
	store, _ := NewLocal(filepath.Join(root, "objects"))
	if err := store.Put(context.Background(), "../../escape.txt", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "escape.txt")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected object to stay under root, stat returned %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "objects", "escape.txt")); err != nil {
		t.Fatalf("expected object inside root: %v", err)
	}
}
