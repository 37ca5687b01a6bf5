//go:build !(linux || darwin || freebsd)

package utils

func availableSpace(dir string) (uint64, bool) {
	return 0, false
}
