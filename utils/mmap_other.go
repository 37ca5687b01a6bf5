//go:build !unix

package utils

import (
	"errors"
	"os"
)

var errMmapUnsupported = errors.New("memory mapped output not supported on this platform")

func mapFile(f *os.File, size int64) ([]byte, error) {
	return nil, errMmapUnsupported
}

func unmapFile(data []byte) error {
	return nil
}

func syncMapped(data []byte, off, length int64) error {
	return nil
}
