//go:build windows

package network

import (
	"net"
	"syscall"
)

// ReuseAddrListenConfig returns a net.ListenConfig whose sockets set
// SO_REUSEADDR before bind, so a restarted daemon can reclaim the game
// and API ports while connections from the previous run sit in
// TIME_WAIT. The Windows setsockopt error is ignored; the subsequent
// bind reports the failure that matters.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
}
