package utils

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"rangefetch/internal"
)

// FileOperations provides file system utilities
type FileOperations struct{}

// NewFileOperations creates a new FileOperations instance
func NewFileOperations() *FileOperations {
	return &FileOperations{}
}

// EnsureDir creates the parent directory of path if it doesn't exist
func (f *FileOperations) EnsureDir(path string) error {
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0755)
}

// FileExists checks if a file exists
func (f *FileOperations) FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// GetFileSize returns the size of a file
func (f *FileOperations) GetFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// CheckSpace fails with ErrDiskSpace when the volume holding path cannot fit
// size more bytes. Platforms without a free-space query always pass.
func (f *FileOperations) CheckSpace(path string, size int64) error {
	if size <= 0 {
		return nil
	}
	avail, ok := availableSpace(filepath.Dir(path))
	if !ok || avail >= uint64(size) {
		return nil
	}
	return internal.NewFetchError(0, "Not enough free space for the output file", internal.ErrDiskSpace).
		WithContext("required", FormatBytes(size)).
		WithContext("available", FormatBytes(int64(avail))).
		WithContext("output_file", path)
}

// ClassifyFileError maps an allocation failure onto the error taxonomy
func ClassifyFileError(path string, err error) *internal.FetchError {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return internal.NewFetchError(0, "Permission denied creating output file", internal.ErrPermissionDenied).
			WithContext("output_file", path).
			WithCause(err)
	case errors.Is(err, syscall.ENOSPC):
		return internal.NewFetchError(0, "No space left on device", internal.ErrDiskSpace).
			WithContext("output_file", path).
			WithCause(err)
	default:
		return internal.NewAllocationError(path, err)
	}
}
