package evidence

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewFileSystemVault(t *testing.T) {
	root := filepath.Join(t.TempDir(), "evidence")

	v, err := NewFileSystemVault(root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root not created: %v", err)
	}
	if err := v.ValidateSetup(context.Background()); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}
}

func TestFileSystemVault_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	v, err := NewFileSystemVault(root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	key := "enrollment/2024-01-15/abc.png"
	if err := v.Put(ctx, key, strings.NewReader("frame"), 5); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "enrollment", "2024-01-15", "abc.png")); err != nil {
		t.Errorf("object file not written: %v", err)
	}

	// Replacing an object is allowed.
	if err := v.Put(ctx, key, strings.NewReader("retake"), 6); err != nil {
		t.Fatalf("second Put() error = %v", err)
	}

	var buf bytes.Buffer
	if err := v.Get(ctx, key, &buf); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if buf.String() != "retake" {
		t.Errorf("Get() = %q, want %q", buf.String(), "retake")
	}

	if err := v.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := v.Get(ctx, key, &bytes.Buffer{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := v.Delete(ctx, key); err != nil {
		t.Errorf("Delete() of missing key error = %v", err)
	}
}

func TestFileSystemVault_SizeMismatchLeavesNothing(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	v, err := NewFileSystemVault(root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	if err := v.Put(ctx, "a/b.png", strings.NewReader("abc"), 99); err == nil {
		t.Fatal("Put() expected size mismatch error")
	}

	entries, err := os.ReadDir(filepath.Join(root, "a"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("directory has %d entries after failed put, want 0", len(entries))
	}
}

func TestFileSystemVault_RejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	v, err := NewFileSystemVault(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	if err := v.Put(ctx, "../../etc/passwd", strings.NewReader("x"), 1); err == nil {
		t.Error("Put() expected error for escaping key")
	}
	if err := v.Get(ctx, "/etc/passwd", &bytes.Buffer{}); err == nil {
		t.Error("Get() expected error for absolute key")
	}
}

func TestFileSystemVault_ValidateSetup_NotADirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(root, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	v := &FileSystemVault{root: root}
	if err := v.ValidateSetup(context.Background()); err == nil {
		t.Error("ValidateSetup() expected error when root is a file")
	}
}
