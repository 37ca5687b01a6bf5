package utils

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
)

var (
	// ErrViewConflict is returned when a requested view overlaps a granted one
	ErrViewConflict = errors.New("write view overlaps an existing view")
	// ErrViewBounds is returned when a requested view leaves the output
	ErrViewBounds = errors.New("write view out of bounds")
	// ErrViewOverflow is returned when a write would pass the end of its view
	ErrViewOverflow = errors.New("write past end of view")
	// ErrOutputClosed is returned for views used after the output closed
	ErrOutputClosed = errors.New("shared output is closed")
)

type span struct {
	offset, length int64
}

func (s span) overlaps(o span) bool {
	if s.length == 0 || o.length == 0 {
		return false
	}
	return s.offset < o.offset+o.length && o.offset < s.offset+s.length
}

// SharedOutput is an output file pre-sized to its final length and mapped
// into memory. Writers obtain disjoint views, so writes need no locking
// between them. Where mapping is unavailable it falls back to positional
// file writes.
type SharedOutput struct {
	path string
	file *os.File
	data []byte
	size int64

	mu     sync.RWMutex // guards data/file lifetime against Close
	viewMu sync.Mutex
	views  []span
	closed bool
}

// CreateSharedOutput creates or truncates path to exactly size bytes and maps it
func CreateSharedOutput(path string, size int64) (*SharedOutput, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid output size %d", size)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}

	if err := file.Truncate(size); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("allocate %d bytes: %w", size, err)
	}

	out := &SharedOutput{
		path: path,
		file: file,
		size: size,
	}

	if size > 0 && size <= math.MaxInt {
		if data, err := mapFile(file, size); err == nil {
			out.data = data
		}
	}

	return out, nil
}

// Path returns the output file path
func (o *SharedOutput) Path() string { return o.path }

// Size returns the output length in bytes
func (o *SharedOutput) Size() int64 { return o.size }

// Mapped reports whether writes go through a memory mapping
func (o *SharedOutput) Mapped() bool { return o.data != nil }

// View grants exclusive write access to [offset, offset+length)
func (o *SharedOutput) View(offset, length int64) (*WriteView, error) {
	if offset < 0 || length < 0 || offset+length > o.size {
		return nil, fmt.Errorf("%w: [%d,+%d) of %d", ErrViewBounds, offset, length, o.size)
	}

	o.viewMu.Lock()
	defer o.viewMu.Unlock()

	if o.closed {
		return nil, ErrOutputClosed
	}

	want := span{offset: offset, length: length}
	for _, s := range o.views {
		if s.overlaps(want) {
			return nil, fmt.Errorf("%w: [%d,+%d) and [%d,+%d)", ErrViewConflict, offset, length, s.offset, s.length)
		}
	}
	if length > 0 {
		o.views = append(o.views, want)
	}

	return &WriteView{out: o, offset: offset, length: length}, nil
}

func (o *SharedOutput) release(s span) {
	o.viewMu.Lock()
	defer o.viewMu.Unlock()
	for i, v := range o.views {
		if v == s {
			o.views = append(o.views[:i], o.views[i+1:]...)
			return
		}
	}
}

func (o *SharedOutput) writeAt(p []byte, off int64) (int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.file == nil {
		return 0, ErrOutputClosed
	}
	if o.data != nil {
		return copy(o.data[off:], p), nil
	}
	return o.file.WriteAt(p, off)
}

func (o *SharedOutput) flushRange(off, length int64) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.file == nil {
		return ErrOutputClosed
	}
	if o.data == nil || length == 0 {
		return nil
	}
	return syncMapped(o.data, off, length)
}

// Flush writes mapped pages back to the file
func (o *SharedOutput) Flush() error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.file == nil {
		return ErrOutputClosed
	}
	if o.data != nil {
		return syncMapped(o.data, 0, o.size)
	}
	return o.file.Sync()
}

// Close unmaps and closes the file. It is safe to call more than once.
func (o *SharedOutput) Close() error {
	o.viewMu.Lock()
	o.closed = true
	o.viewMu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return nil
	}

	var errs []error
	if o.data != nil {
		if err := unmapFile(o.data); err != nil {
			errs = append(errs, fmt.Errorf("unmap output: %w", err))
		}
		o.data = nil
	}
	if err := o.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close output: %w", err))
	}
	o.file = nil
	return errors.Join(errs...)
}

// Remove closes the output and deletes the file
func (o *SharedOutput) Remove() error {
	closeErr := o.Close()
	if err := os.Remove(o.path); err != nil && !os.IsNotExist(err) {
		return errors.Join(closeErr, fmt.Errorf("remove output: %w", err))
	}
	return closeErr
}

// WriteView is an exclusive window into a SharedOutput. It is an io.Writer
// that fills the window sequentially and refuses to write past its end.
type WriteView struct {
	out      *SharedOutput
	offset   int64
	length   int64
	written  int64
	released bool
}

func (v *WriteView) Write(p []byte) (int, error) {
	if v.released {
		return 0, ErrOutputClosed
	}

	remaining := v.length - v.written
	overflow := int64(len(p)) > remaining
	if overflow {
		p = p[:remaining]
	}

	n, err := v.out.writeAt(p, v.offset+v.written)
	v.written += int64(n)
	if err != nil {
		return n, err
	}
	if overflow {
		return n, ErrViewOverflow
	}
	return n, nil
}

// Offset returns the view's absolute start
func (v *WriteView) Offset() int64 { return v.offset }

// Len returns the view's length
func (v *WriteView) Len() int64 { return v.length }

// Written returns how many bytes have been written
func (v *WriteView) Written() int64 { return v.written }

// Flush syncs the bytes written through this view
func (v *WriteView) Flush() error {
	return v.out.flushRange(v.offset, v.written)
}

// Release gives the window back to the output
func (v *WriteView) Release() {
	if v.released {
		return
	}
	v.released = true
	if v.length > 0 {
		v.out.release(span{offset: v.offset, length: v.length})
	}
}
