//go:build linux || darwin

package listener

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setReuseAddr marks the raw listening socket SO_REUSEADDR so a restart can
// rebind the configured address immediately instead of waiting out TIME_WAIT.
func setReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
