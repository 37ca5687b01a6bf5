//go:build unix

package utils

import (
	"syscall"

	"golang.org/x/sys/unix"

	"rangefetch/internal"
)

// socketBufferSize is requested for both directions on every dialed socket
const socketBufferSize = 4 << 20

// tuneSocket enlarges the kernel socket buffers. The kernel may clamp the
// value; failures are logged and ignored.
func tuneSocket(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferSize); e != nil {
			sockErr = e
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferSize)
	})
	if err != nil {
		return err
	}
	if sockErr != nil {
		internal.LogDebug("Socket buffer tuning failed for %s %s: %v", network, address, sockErr)
	}
	return nil
}
