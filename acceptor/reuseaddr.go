package acceptor

import (
	"syscall"
)

// reuseAddrControl sets SO_REUSEADDR on the listening socket so a restart
// can rebind the port immediately instead of waiting out TIME_WAIT.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
