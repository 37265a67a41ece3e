//go:build !linux && !darwin

package listener

import "syscall"

// setReuseAddr is a no-op on platforms without a portable SO_REUSEADDR path
// through golang.org/x/sys/unix; the OS default rebind behaviour applies.
func setReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
