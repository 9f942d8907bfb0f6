package sink

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gocloud.dev/blob"
)

func TestFileOpener_WritesAndCloses(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	fo := NewFileOpener(dir)

	s, err := fo.Open(context.Background(), "1.txt")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Dest() != filepath.Join(dir, "1.txt") {
		t.Errorf("unexpected dest %q", s.Dest())
	}
	if _, err := s.Write([]byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if fo.OpenCount() != 1 {
		t.Fatalf("expected one open file, got %d", fo.OpenCount())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if fo.OpenCount() != 0 {
		t.Errorf("expected no open files, got %d", fo.OpenCount())
	}

	data, err := os.ReadFile(filepath.Join(dir, "1.txt"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("unexpected contents %q", data)
	}
}

func TestFileOpener_TruncatesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2.txt")
	if err := os.WriteFile(path, []byte("old and long"), 0644); err != nil {
		t.Fatal(err)
	}

	fo := NewFileOpener(dir)
	s, err := fo.Open(context.Background(), "2.txt")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = s.Write([]byte("new"))
	_ = s.Close()

	data, _ := os.ReadFile(path)
	if string(data) != "new" {
		t.Errorf("expected truncated file, got %q", data)
	}
}

func TestFileOpener_Errors(t *testing.T) {
	dir := t.TempDir()
	fo := NewFileOpener(dir)

	if _, err := fo.Open(context.Background(), "a.txt"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := fo.Open(context.Background(), "a.txt"); err == nil {
		t.Error("expected opening the same file twice to fail")
	}

	// a regular file where a directory is needed
	if err := os.WriteFile(filepath.Join(dir, "blocker"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := fo.Open(context.Background(), filepath.Join("blocker", "b.txt")); err == nil {
		t.Error("expected open below a regular file to fail")
	}

	if err := fo.CloseAll(); err != nil {
		t.Fatalf("close all: %v", err)
	}
	if fo.OpenCount() != 0 {
		t.Errorf("expected CloseAll to close everything, got %d open", fo.OpenCount())
	}
}

func TestBucketOpener_CommitsOnClose(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()

	bo := WrapBucket(bucket, "mem://")
	s, err := bo.Open(ctx, "3.txt")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Write([]byte("in the bucket")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if s.Dest() != "3.txt" {
		t.Errorf("unexpected dest %q", s.Dest())
	}
	if _, err := bo.Open(ctx, "3.txt"); err == nil {
		t.Error("expected a second open of the same key to fail")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := bucket.ReadAll(ctx, "3.txt")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "in the bucket" {
		t.Errorf("unexpected object contents %q", data)
	}
}

func TestBucketOpener_CloseAll(t *testing.T) {
	ctx := context.Background()
	bo, err := NewBucketOpener(ctx, "mem://")
	if err != nil {
		t.Fatalf("new bucket opener: %v", err)
	}
	for _, name := range []string{"1.txt", "2.txt"} {
		s, err := bo.Open(ctx, name)
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		_, _ = s.Write([]byte(name))
	}
	if err := bo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := NewBucketOpener(ctx, ""); err != ErrNoBucket {
		t.Fatalf("expected ErrNoBucket, got %v", err)
	}
}
