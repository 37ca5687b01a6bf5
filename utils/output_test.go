package utils

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestCreateSharedOutput_Size(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")

	out, err := CreateSharedOutput(path, 4096)
	if err != nil {
		t.Fatalf("CreateSharedOutput() error = %v", err)
	}
	defer out.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 4096 {
		t.Errorf("file size = %d, want 4096", info.Size())
	}
	if out.Size() != 4096 || out.Path() != path {
		t.Errorf("Size()/Path() = %d/%q", out.Size(), out.Path())
	}
}

func TestCreateSharedOutput_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")

	out, err := CreateSharedOutput(path, 0)
	if err != nil {
		t.Fatalf("CreateSharedOutput() error = %v", err)
	}
	if out.Mapped() {
		t.Error("an empty output should not be mapped")
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() != 0 {
		t.Errorf("empty output should exist with size 0, err=%v", err)
	}
}

func TestSharedOutput_ConcurrentDisjointViews(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	const size = 1 << 16
	const pieces = 8

	want := make([]byte, size)
	for i := range want {
		want[i] = byte(i % 251)
	}

	out, err := CreateSharedOutput(path, size)
	if err != nil {
		t.Fatalf("CreateSharedOutput() error = %v", err)
	}

	var wg sync.WaitGroup
	chunk := int64(size / pieces)
	for i := int64(0); i < pieces; i++ {
		wg.Add(1)
		go func(off int64) {
			defer wg.Done()
			view, err := out.View(off, chunk)
			if err != nil {
				t.Errorf("View(%d) error = %v", off, err)
				return
			}
			defer view.Release()
			// Write in small pieces to exercise sequential fill
			data := want[off : off+chunk]
			for len(data) > 0 {
				n := min(len(data), 1000)
				if _, err := view.Write(data[:n]); err != nil {
					t.Errorf("Write error = %v", err)
					return
				}
				data = data[n:]
			}
			if err := view.Flush(); err != nil {
				t.Errorf("Flush error = %v", err)
			}
		}(i * chunk)
	}
	wg.Wait()

	if err := out.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("output content does not match the written pieces")
	}
}

func TestSharedOutput_ViewConflicts(t *testing.T) {
	out, err := CreateSharedOutput(filepath.Join(t.TempDir(), "out.bin"), 1000)
	if err != nil {
		t.Fatalf("CreateSharedOutput() error = %v", err)
	}
	defer out.Close()

	first, err := out.View(0, 251)
	if err != nil {
		t.Fatalf("View(0,251) error = %v", err)
	}

	tests := []struct {
		name    string
		offset  int64
		length  int64
		wantErr error
	}{
		{"overlap_tail", 250, 10, ErrViewConflict},
		{"contained", 10, 5, ErrViewConflict},
		{"adjacent", 251, 250, nil},
		{"past_end", 900, 101, ErrViewBounds},
		{"negative", -1, 10, ErrViewBounds},
		{"zero_length_inside", 100, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := out.View(tt.offset, tt.length)
			if tt.wantErr == nil && err != nil {
				t.Errorf("View() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("View() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	first.Release()
	if _, err := out.View(0, 100); err != nil {
		t.Errorf("View after Release error = %v", err)
	}
}

func TestWriteView_Overflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	out, err := CreateSharedOutput(path, 10)
	if err != nil {
		t.Fatalf("CreateSharedOutput() error = %v", err)
	}

	view, _ := out.View(2, 4)
	n, err := view.Write([]byte("abcdef"))
	if !errors.Is(err, ErrViewOverflow) {
		t.Errorf("Write() error = %v, want ErrViewOverflow", err)
	}
	if n != 4 || view.Written() != 4 {
		t.Errorf("wrote %d (Written %d), want 4", n, view.Written())
	}
	out.Close()

	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, []byte("\x00\x00abcd\x00\x00\x00\x00")) {
		t.Errorf("file = %q", got)
	}
}

func TestSharedOutput_UseAfterClose(t *testing.T) {
	out, err := CreateSharedOutput(filepath.Join(t.TempDir(), "out.bin"), 100)
	if err != nil {
		t.Fatalf("CreateSharedOutput() error = %v", err)
	}
	view, _ := out.View(0, 10)

	if err := out.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := out.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if _, err := view.Write([]byte("x")); !errors.Is(err, ErrOutputClosed) {
		t.Errorf("Write after Close error = %v, want ErrOutputClosed", err)
	}
	if _, err := out.View(20, 10); !errors.Is(err, ErrOutputClosed) {
		t.Errorf("View after Close error = %v, want ErrOutputClosed", err)
	}
}

func TestSharedOutput_Remove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	out, err := CreateSharedOutput(path, 100)
	if err != nil {
		t.Fatalf("CreateSharedOutput() error = %v", err)
	}

	if err := out.Remove(); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file should be gone, stat err = %v", err)
	}
	if err := out.Remove(); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
}
