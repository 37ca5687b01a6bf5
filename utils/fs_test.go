package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"rangefetch/internal"
)

func TestFileOperations_EnsureDir(t *testing.T) {
	fileOps := NewFileOperations()
	target := filepath.Join(t.TempDir(), "a", "b", "out.bin")

	if err := fileOps.EnsureDir(target); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	info, err := os.Stat(filepath.Dir(target))
	if err != nil || !info.IsDir() {
		t.Errorf("parent directory should exist, err = %v", err)
	}
}

func TestFileOperations_ExistsAndSize(t *testing.T) {
	fileOps := NewFileOperations()
	path := filepath.Join(t.TempDir(), "data.bin")

	if fileOps.FileExists(path) {
		t.Error("FileExists() should be false before creation")
	}
	if err := os.WriteFile(path, make([]byte, 1234), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !fileOps.FileExists(path) {
		t.Error("FileExists() should be true after creation")
	}
	size, err := fileOps.GetFileSize(path)
	if err != nil || size != 1234 {
		t.Errorf("GetFileSize() = %d, %v; want 1234", size, err)
	}
	if _, err := fileOps.GetFileSize(path + ".missing"); err == nil {
		t.Error("GetFileSize() should fail for a missing file")
	}
}

func TestFileOperations_CheckSpace(t *testing.T) {
	fileOps := NewFileOperations()
	path := filepath.Join(t.TempDir(), "out.bin")

	if err := fileOps.CheckSpace(path, 1024); err != nil {
		t.Errorf("CheckSpace(1KiB) error = %v", err)
	}
	if err := fileOps.CheckSpace(path, 0); err != nil {
		t.Errorf("CheckSpace(0) error = %v", err)
	}

	// No volume has an exabyte free
	err := fileOps.CheckSpace(path, 1<<60)
	if _, ok := availableSpace(filepath.Dir(path)); !ok {
		t.Skip("free space query unsupported on this platform")
	}
	var fe *internal.FetchError
	if !errors.As(err, &fe) || fe.Type != internal.ErrDiskSpace {
		t.Errorf("CheckSpace(1EiB) error = %v, want DiskSpace FetchError", err)
	}
}

func TestClassifyFileError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected internal.ErrorType
	}{
		{"permission", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, internal.ErrPermissionDenied},
		{"no_space", fmt.Errorf("truncate: %w", syscall.ENOSPC), internal.ErrDiskSpace},
		{"other", errors.New("weird"), internal.ErrAllocation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyFileError("/x", tt.err)
			if got.Type != tt.expected {
				t.Errorf("ClassifyFileError() type = %v, want %v", got.Type, tt.expected)
			}
			if !errors.Is(got, tt.err) {
				t.Error("classified error should wrap the original")
			}
		})
	}
}
