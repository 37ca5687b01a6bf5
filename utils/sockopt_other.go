//go:build !unix

package utils

import "syscall"

func tuneSocket(network, address string, c syscall.RawConn) error {
	return nil
}
