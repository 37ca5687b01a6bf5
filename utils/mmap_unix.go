//go:build unix

package utils

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(f *os.File, size int64) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func unmapFile(data []byte) error {
	return unix.Munmap(data)
}

// syncMapped msyncs [off, off+length) widened to page boundaries
func syncMapped(data []byte, off, length int64) error {
	page := int64(unix.Getpagesize())
	start := off &^ (page - 1)
	end := off + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	if start >= end {
		return nil
	}
	return unix.Msync(data[start:end], unix.MS_SYNC)
}
